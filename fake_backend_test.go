package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake chat backend: REST + WebSocket on one httptest server
// ============================================================================

const testUser ID = "7"

var baseTime = time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

// at returns baseTime plus n seconds.
func at(n int) time.Time { return baseTime.Add(time.Duration(n) * time.Second) }

type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	conversations []map[string]any
	messages      map[ID][]Message // ascending by CreatedAt
	nextID        int
	sendIDs       []ID // ids handed out by the send endpoint, in order
	sendStatus    int  // non-zero fails the send endpoint
	listStatus    int
	historyStatus int
	wsHTTPStatus  int                  // non-zero rejects the handshake
	wsCloseCode   websocket.StatusCode // non-zero closes right after accept
	echoSends     bool                 // send endpoint broadcasts message.new

	listCalls    int
	historyCalls map[ID]int
	historyQuery []string
	sendBodies   []map[string]string
	readCalls    []readCall
	dials        map[ID]int
	conns        map[ID][]*websocket.Conn
	frames       []OutboundFrame
	closeCodes   []websocket.StatusCode
}

type readCall struct {
	ConversationID ID
	MessageID      ID
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{
		t:            t,
		messages:     make(map[ID][]Message),
		historyCalls: make(map[ID]int),
		dials:        make(map[ID]int),
		conns:        make(map[ID][]*websocket.Conn),
		nextID:       100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/chat/conversations/{$}", f.handleList)
	mux.HandleFunc("POST /api/v1/chat/conversations/direct/{$}", f.handleDirect)
	mux.HandleFunc("GET /api/v1/chat/conversations/{id}/messages/{$}", f.handleMessages)
	mux.HandleFunc("POST /api/v1/chat/conversations/{id}/send/{$}", f.handleSend)
	mux.HandleFunc("POST /api/v1/chat/conversations/{id}/read/{$}", f.handleRead)
	mux.HandleFunc("GET /api/v1/profiles/{lookup}/{$}", f.handleProfile)
	mux.HandleFunc("GET /api/v1/listings/{id}/{$}", f.handleListing)
	mux.HandleFunc("GET /ws/chat/{id}/{$}", f.handleWS)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.closeAll(websocket.StatusGoingAway)
		f.srv.Close()
	})
	return f
}

func (f *fakeBackend) client(opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithBaseURL(f.srv.URL), WithUserID(testUser)}, opts...)
	return NewClient("test-token", opts...)
}

// ── Seeding ──────────────────────────────────────────────

func (f *fakeBackend) addConversation(id, peerID ID, peerName string, unread int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peerNum, _ := strconv.Atoi(string(peerID))
	f.conversations = append(f.conversations, map[string]any{
		"id": string(id),
		"participants": []map[string]any{
			{"id": 7, "username": "me"},
			{"id": peerNum, "username": peerName},
		},
		"unread_count": unread,
	})
}

// addMessage stores a message in the server history without pushing it.
func (f *fakeBackend) addMessage(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertLocked(m)
}

func (f *fakeBackend) insertLocked(m Message) {
	list := append(f.messages[m.ConversationID], m)
	slices.SortFunc(list, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	f.messages[m.ConversationID] = list
	for i, c := range f.conversations {
		if c["id"] == string(m.ConversationID) {
			f.conversations[i]["last_message"] = map[string]any{
				"id": string(m.ID), "text": m.Text, "sender": string(m.SenderID), "created_at": m.CreatedAt,
			}
		}
	}
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// ── Observations ─────────────────────────────────────────

func (f *fakeBackend) snapshot() fakeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	hc := make(map[ID]int, len(f.historyCalls))
	for k, v := range f.historyCalls {
		hc[k] = v
	}
	dials := make(map[ID]int, len(f.dials))
	for k, v := range f.dials {
		dials[k] = v
	}
	open := make(map[ID]int, len(f.conns))
	for k, v := range f.conns {
		open[k] = len(v)
	}
	return fakeSnapshot{
		listCalls:    f.listCalls,
		historyCalls: hc,
		historyQuery: slices.Clone(f.historyQuery),
		sendBodies:   slices.Clone(f.sendBodies),
		readCalls:    slices.Clone(f.readCalls),
		dials:        dials,
		open:         open,
		frames:       slices.Clone(f.frames),
		closeCodes:   slices.Clone(f.closeCodes),
	}
}

type fakeSnapshot struct {
	listCalls    int
	historyCalls map[ID]int
	historyQuery []string
	sendBodies   []map[string]string
	readCalls    []readCall
	dials        map[ID]int
	open         map[ID]int
	frames       []OutboundFrame
	closeCodes   []websocket.StatusCode
}

func (s fakeSnapshot) framesOfType(typ string) []OutboundFrame {
	var out []OutboundFrame
	for _, fr := range s.frames {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

// ── Pushes ───────────────────────────────────────────────

// push sends a message.new frame to every socket open on conversationID.
func (f *fakeBackend) push(conversationID ID, m Message) {
	f.broadcast(conversationID, map[string]any{"type": FrameMessageNew, "message": m})
}

func (f *fakeBackend) pushReceipt(conversationID, messageID, readerID ID) {
	f.broadcast(conversationID, map[string]any{
		"type": FrameReadBroadcast, "message_id": messageID, "reader_id": readerID,
	})
}

func (f *fakeBackend) pushRaw(conversationID ID, raw string) {
	f.mu.Lock()
	conns := slices.Clone(f.conns[conversationID])
	f.mu.Unlock()
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.Write(ctx, websocket.MessageText, []byte(raw))
		cancel()
	}
}

func (f *fakeBackend) broadcast(conversationID ID, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		f.t.Errorf("marshal frame: %v", err)
		return
	}
	f.pushRaw(conversationID, string(data))
}

// drop closes every socket on conversationID with code.
func (f *fakeBackend) drop(conversationID ID, code websocket.StatusCode) {
	f.mu.Lock()
	conns := f.conns[conversationID]
	delete(f.conns, conversationID)
	f.mu.Unlock()
	for _, c := range conns {
		// CloseNow skips the handshake so the client sees an abrupt loss
		// when code is not a normal closure.
		if code == 0 {
			_ = c.CloseNow()
			continue
		}
		_ = c.Close(code, "server closing")
	}
}

func (f *fakeBackend) closeAll(code websocket.StatusCode) {
	f.mu.Lock()
	ids := make([]ID, 0, len(f.conns))
	for id := range f.conns {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.drop(id, code)
	}
}

// ── Handlers ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeBackend) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.listCalls++
	status := f.listStatus
	out := slices.Clone(f.conversations)
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"detail": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeBackend) handleDirect(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": "direct-1",
		"participants": []map[string]any{
			{"id": 7, "username": "me"},
			{"id": body["peer_id"], "username": "peer"},
		},
	})
}

func (f *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := ID(r.PathValue("id"))
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = DefaultPageSize
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls[id]++
	f.historyQuery = append(f.historyQuery, r.URL.RawQuery)
	if f.historyStatus != 0 {
		writeJSON(w, f.historyStatus, map[string]string{"detail": "history failed"})
		return
	}
	all := f.messages[id]

	if after := q.Get("after"); after != "" {
		var cut time.Time
		for _, m := range all {
			if string(m.ID) == after {
				cut = m.CreatedAt
			}
		}
		var out []Message
		for _, m := range all {
			if m.CreatedAt.After(cut) {
				out = append(out, m)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out, "next_before": nil})
		return
	}

	window := all
	if before := q.Get("before"); before != "" {
		b, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad cursor"})
			return
		}
		window = nil
		for _, m := range all {
			if m.CreatedAt.Before(b) {
				window = append(window, m)
			}
		}
	}
	start := max(0, len(window)-limit)
	page := slices.Clone(window[start:])
	slices.Reverse(page) // newest first

	var next any
	if start > 0 {
		next = page[len(page)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": page, "next_before": next})
}

func (f *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	id := ID(r.PathValue("id"))
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad body"})
		return
	}

	f.mu.Lock()
	f.sendBodies = append(f.sendBodies, body)
	if f.sendStatus != 0 {
		status := f.sendStatus
		f.mu.Unlock()
		writeJSON(w, status, map[string]string{"detail": "send failed"})
		return
	}
	var msgID ID
	if len(f.sendIDs) > 0 {
		msgID, f.sendIDs = f.sendIDs[0], f.sendIDs[1:]
	} else {
		f.nextID++
		msgID = ID(fmt.Sprintf("m%d", f.nextID))
	}
	m := Message{ID: msgID, ConversationID: id, SenderID: testUser, Text: body["text"], CreatedAt: time.Now().UTC()}
	f.insertLocked(m)
	echo := f.echoSends
	f.mu.Unlock()

	if echo {
		f.push(id, m)
	}
	writeJSON(w, http.StatusCreated, m)
}

func (f *fakeBackend) handleRead(w http.ResponseWriter, r *http.Request) {
	var body map[string]ID
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.readCalls = append(f.readCalls, readCall{ConversationID: ID(r.PathValue("id")), MessageID: body["message_id"]})
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "last_read_message": body["message_id"]})
}

func (f *fakeBackend) handleProfile(w http.ResponseWriter, r *http.Request) {
	lookup := r.PathValue("lookup")
	if lookup == "missing" {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, Profile{ProfileID: "p-" + ID(lookup), Username: lookup, FullName: "Full " + lookup})
}

func (f *fakeBackend) handleListing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Listing{ListingID: ID(r.PathValue("id")), Title: "Listing " + r.PathValue("id")})
}

func (f *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	id := ID(r.PathValue("id"))

	f.mu.Lock()
	f.dials[id]++
	status, closeCode := f.wsHTTPStatus, f.wsCloseCode
	f.mu.Unlock()

	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if status != 0 {
		http.Error(w, "rejected", status)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if closeCode != 0 {
		_ = conn.Close(closeCode, "rejected")
		return
	}

	f.mu.Lock()
	f.conns[id] = append(f.conns[id], conn)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conns[id] = slices.DeleteFunc(f.conns[id], func(c *websocket.Conn) bool { return c == conn })
		f.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			f.mu.Lock()
			f.closeCodes = append(f.closeCodes, websocket.CloseStatus(err))
			f.mu.Unlock()
			return
		}
		var frame OutboundFrame
		if json.Unmarshal(data, &frame) == nil {
			f.mu.Lock()
			f.frames = append(f.frames, frame)
			f.mu.Unlock()
		}
	}
}
