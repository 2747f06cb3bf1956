package chatsync

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newTestSession(t *testing.T, f *fakeBackend, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.Realtime == (RealtimeConfig{}) {
		cfg.Realtime = fastRealtime()
	}
	s, err := NewSession(f.client(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.CloseChat)
	return s
}

// seedMarket sets up conversation A with alice (two unread messages) and an
// empty conversation B with bob.
func seedMarket(f *fakeBackend) {
	f.addConversation("A", "9", "alice", 2)
	f.addConversation("B", "10", "bob", 0)
	f.addMessage(Message{ID: "a1", ConversationID: "A", SenderID: "9", Text: "is it available?", CreatedAt: at(1)})
	f.addMessage(Message{ID: "a2", ConversationID: "A", SenderID: "9", Text: "hello?", CreatedAt: at(2)})
}

func selectAndConnect(t *testing.T, f *fakeBackend, s *Session, id ID) {
	t.Helper()
	require.NoError(t, s.SelectConversation(context.Background(), id))
	require.Eventually(t, func() bool {
		return s.ConnectionState() == StateConnected && f.snapshot().open[id] == 1
	}, waitFor, tick)
}

func findConversation(s *Session, id ID) (Conversation, bool) {
	for _, c := range s.Conversations() {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

func hasReadCall(f *fakeBackend, conv, msg ID) bool {
	for _, c := range f.snapshot().readCalls {
		if c.ConversationID == conv && c.MessageID == msg {
			return true
		}
	}
	return false
}

func TestNewSessionResolvesUserFromToken(t *testing.T) {
	f := newFakeBackend(t)
	token := testToken(t, map[string]any{"user_id": 42})
	s, err := NewSession(NewClient(token, WithBaseURL(f.srv.URL)), SessionConfig{})
	require.NoError(t, err)
	defer s.CloseChat()
	assert.Equal(t, ID("42"), s.UserID())

	_, err = NewSession(NewClient("", WithBaseURL(f.srv.URL)), SessionConfig{})
	assert.ErrorIs(t, err, ErrNoUserID)

	s, err = NewSession(NewClient("", WithBaseURL(f.srv.URL)), SessionConfig{UserID: "5"})
	require.NoError(t, err)
	defer s.CloseChat()
	assert.Equal(t, ID("5"), s.UserID())
}

func TestSessionOpenListsAndPolls(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})

	changed := make(chan []Conversation, 16)
	s.OnConversationsChanged(func(convs []Conversation) {
		select {
		case changed <- convs:
		default:
		}
	})

	require.NoError(t, s.Open(context.Background()))

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, ID("A"), convs[0].ID, "most recent activity first")
	assert.Equal(t, "Full alice", convs[0].PeerName())
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Len(t, <-changed, 2)

	assert.True(t, s.list.Polling())
	require.Eventually(t, func() bool { return f.snapshot().listCalls >= 3 }, waitFor, tick)
}

func TestSessionOpenFailureKeepsPolling(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	f.set(func(f *fakeBackend) { f.listStatus = http.StatusServiceUnavailable })
	s := newTestSession(t, f, SessionConfig{})

	require.Error(t, s.Open(context.Background()))
	assert.Empty(t, s.Conversations())

	f.set(func(f *fakeBackend) { f.listStatus = 0 })
	require.Eventually(t, func() bool { return len(s.Conversations()) == 2 }, waitFor, tick)
}

func TestSessionSelectConversation(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))

	selectAndConnect(t, f, s, "A")

	assert.False(t, s.list.Polling(), "live connection replaces the poll")
	assert.Equal(t, ID("A"), s.ActiveConversation())
	assert.Equal(t, []ID{"a1", "a2"}, ids(s.Messages()))

	require.Eventually(t, func() bool { return hasReadCall(f, "A", "a2") }, waitFor, tick)
	assert.Equal(t, ID("a2"), s.ReadCursor("A").MessageID)
	c, _ := findConversation(s, "A")
	assert.Equal(t, 0, c.UnreadCount)

	// Selecting again neither refetches nor reconnects.
	require.NoError(t, s.SelectConversation(context.Background(), "A"))
	snap := f.snapshot()
	assert.Equal(t, 1, snap.historyCalls["A"])
	assert.Equal(t, 1, snap.dials["A"])
}

func TestSessionLiveMessageInActiveConversation(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))
	selectAndConnect(t, f, s, "A")
	require.Eventually(t, func() bool { return hasReadCall(f, "A", "a2") }, waitFor, tick)

	f.push("A", Message{ID: "a3", ConversationID: "A", SenderID: "9", Text: "still there?", CreatedAt: at(3)})
	f.push("A", Message{ID: "a3", ConversationID: "A", SenderID: "9", Text: "still there?", CreatedAt: at(3)})

	require.Eventually(t, func() bool { return hasReadCall(f, "A", "a3") }, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, fr := range f.snapshot().framesOfType(FrameReadUpdate) {
			if fr.MessageID == "a3" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	assert.Equal(t, []ID{"a1", "a2", "a3"}, ids(s.Messages()), "duplicate push yields one entry")
	c, _ := findConversation(s, "A")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, ID("a3"), c.LastMessage.ID)
}

func TestSessionOtherConversationCountsUnread(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))
	selectAndConnect(t, f, s, "A")

	f.push("A", Message{ID: "b1", ConversationID: "B", SenderID: "10", Text: "hey", CreatedAt: at(10)})

	require.Eventually(t, func() bool {
		c, _ := findConversation(s, "B")
		return c.UnreadCount == 1
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	for _, c := range f.snapshot().readCalls {
		assert.NotEqual(t, ID("B"), c.ConversationID, "no receipt for a conversation not being viewed")
	}
	assert.Equal(t, ID("B"), s.Conversations()[0].ID)
}

func TestSessionUnknownConversationRefreshesList(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))
	selectAndConnect(t, f, s, "A")

	f.addConversation("Z", "11", "zoe", 1)
	f.push("A", Message{ID: "z1", ConversationID: "Z", SenderID: "11", Text: "new here", CreatedAt: at(20)})

	require.Eventually(t, func() bool {
		_, ok := findConversation(s, "Z")
		return ok
	}, waitFor, tick)
}

func TestSessionSendMessage(t *testing.T) {
	for _, echo := range []bool{false, true} {
		name := "rest only"
		if echo {
			name = "with live echo"
		}
		t.Run(name, func(t *testing.T) {
			f := newFakeBackend(t)
			seedMarket(f)
			f.set(func(f *fakeBackend) {
				f.sendIDs = []ID{"m42"}
				f.echoSends = echo
			})
			s := newTestSession(t, f, SessionConfig{})
			require.NoError(t, s.Open(context.Background()))
			selectAndConnect(t, f, s, "A")

			msg, err := s.SendMessage(context.Background(), "hello")
			require.NoError(t, err)
			assert.Equal(t, ID("m42"), msg.ID)

			// Give a late echo time to land.
			time.Sleep(50 * time.Millisecond)
			var hello []Message
			for _, m := range s.Messages() {
				if m.Text == "hello" {
					hello = append(hello, m)
				}
			}
			require.Len(t, hello, 1)
			assert.Equal(t, ID("m42"), hello[0].ID)
			assert.False(t, hello[0].Pending)

			snap := f.snapshot()
			require.Len(t, snap.sendBodies, 1)
			assert.Equal(t, "hello", snap.sendBodies[0]["text"])
			assert.Equal(t, msg.ClientID, snap.sendBodies[0]["client_id"])

			sends := snap.framesOfType(FrameMessageSend)
			require.Len(t, sends, 1)
			assert.Equal(t, msg.ClientID, sends[0].ClientID)

			c, _ := findConversation(s, "A")
			assert.Equal(t, ID("m42"), c.LastMessage.ID)
			assert.Equal(t, 0, c.UnreadCount)
		})
	}
}

func TestSessionSendFailureEmitsEvent(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	f.set(func(f *fakeBackend) { f.sendStatus = http.StatusInternalServerError })
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.SelectConversation(context.Background(), "A"))

	failed := make(chan MessageFailedEvent, 1)
	s.OnMessageFailed(func(ev MessageFailedEvent) { failed <- ev })

	msg, err := s.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrSendFailed)

	select {
	case ev := <-failed:
		assert.Equal(t, ID("A"), ev.ConversationID)
		assert.Equal(t, msg.ClientID, ev.ClientID)
		assert.ErrorIs(t, ev.Err, ErrSendFailed)
	case <-time.After(waitFor):
		t.Fatal("message.failed not emitted")
	}

	var kept []Message
	for _, m := range s.Messages() {
		if m.Text == "hello" {
			kept = append(kept, m)
		}
	}
	require.Len(t, kept, 1)
	assert.True(t, kept[0].Failed)
}

func TestSessionSendValidation(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})

	_, err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	require.NoError(t, s.SelectConversation(context.Background(), "A"))
	_, err = s.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, f.snapshot().sendBodies)
}

func TestSessionPeerReceiptMarksOwnMessages(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	f.set(func(f *fakeBackend) { f.sendIDs = []ID{"m42"} })
	s := newTestSession(t, f, SessionConfig{})
	selectAndConnect(t, f, s, "A")

	_, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	f.pushReceipt("A", "m42", "9")
	require.Eventually(t, func() bool {
		for _, m := range s.Messages() {
			if m.ID == "m42" {
				return m.Read
			}
		}
		return false
	}, waitFor, tick)
}

func TestSessionReceiptEventNamesChangedConversation(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	s.store.ApplyIncoming(Message{ID: "b1", ConversationID: "B", SenderID: testUser, Text: "still selling?", CreatedAt: at(5)})

	var changed []ID
	s.OnMessagesChanged(func(id ID) { changed = append(changed, id) })
	s.handleReceipt(ReadReceipt{ConversationID: "A", MessageID: "b1", ReaderID: "10"})

	assert.Equal(t, []ID{"B"}, changed)
	m, ok := s.store.Lookup("B", "b1")
	require.True(t, ok)
	assert.True(t, m.Read)
}

func TestSessionReconnectFillsGap(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	selectAndConnect(t, f, s, "A")

	// a3 lands while the connection is down.
	f.addMessage(Message{ID: "a3", ConversationID: "A", SenderID: "9", Text: "missed", CreatedAt: at(3)})
	f.drop("A", websocket.StatusInternalError)

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 3
	}, waitFor, tick)
	assert.Equal(t, []ID{"a1", "a2", "a3"}, ids(s.Messages()))
	assert.Equal(t, 2, f.snapshot().dials["A"])

	var gapQuery bool
	for _, q := range f.snapshot().historyQuery {
		if strings.Contains(q, "after=a2") {
			gapQuery = true
		}
	}
	assert.True(t, gapQuery)
	require.Eventually(t, func() bool { return hasReadCall(f, "A", "a3") }, waitFor, tick)
}

func TestSessionAuthRequired(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	f.set(func(f *fakeBackend) { f.wsCloseCode = CloseUnauthenticated })
	s := newTestSession(t, f, SessionConfig{})

	authErrs := make(chan error, 1)
	s.OnAuthRequired(func(err error) { authErrs <- err })
	require.NoError(t, s.SelectConversation(context.Background(), "A"))

	select {
	case err := <-authErrs:
		assert.ErrorIs(t, err, ErrAuthRejected)
	case <-time.After(waitFor):
		t.Fatal("auth.required not emitted")
	}
	assert.Equal(t, StateDisconnected, s.ConnectionState())
}

func TestSessionSwitchAndDeselect(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))

	selectAndConnect(t, f, s, "A")
	selectAndConnect(t, f, s, "B")
	assert.False(t, s.store.Loaded("A"), "leaving a conversation ends its activation")
	require.Eventually(t, func() bool { return f.snapshot().open["A"] == 0 }, waitFor, tick)

	require.NoError(t, s.SelectConversation(context.Background(), ""))
	assert.Equal(t, StateDisconnected, s.ConnectionState())
	assert.True(t, s.list.Polling())

	// Coming back fetches the first page again.
	selectAndConnect(t, f, s, "A")
	assert.Equal(t, 2, f.snapshot().historyCalls["A"])
	assert.Equal(t, []ID{"a1", "a2"}, ids(s.Messages()))
}

func TestSessionLoadOlderMessages(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	f.addMessage(Message{ID: "a0", ConversationID: "A", SenderID: testUser, Text: "listed", CreatedAt: at(0)})
	s := newTestSession(t, f, SessionConfig{PageSize: 2})

	require.NoError(t, s.SelectConversation(context.Background(), "A"))
	assert.Equal(t, []ID{"a1", "a2"}, ids(s.Messages()))
	assert.True(t, s.HasMoreHistory())

	fetched, err := s.LoadOlderMessages(context.Background())
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.Equal(t, []ID{"a0", "a1", "a2"}, ids(s.Messages()))
	assert.False(t, s.HasMoreHistory())

	fetched, err = s.LoadOlderMessages(context.Background())
	require.NoError(t, err)
	assert.False(t, fetched)
	assert.Equal(t, 2, f.snapshot().historyCalls["A"])
}

func TestSessionOlderPageBehindCursorIsRead(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	f.addMessage(Message{ID: "a0", ConversationID: "A", SenderID: "9", Text: "earlier", CreatedAt: at(0)})
	s := newTestSession(t, f, SessionConfig{PageSize: 2})

	require.NoError(t, s.SelectConversation(context.Background(), "A"))
	require.Eventually(t, func() bool { return hasReadCall(f, "A", "a2") }, waitFor, tick)

	fetched, err := s.LoadOlderMessages(context.Background())
	require.NoError(t, err)
	require.True(t, fetched)

	msgs := s.Messages()
	require.Equal(t, []ID{"a0", "a1", "a2"}, ids(msgs))
	for _, m := range msgs {
		assert.True(t, m.Read, "%s is behind the read cursor", m.ID)
	}
	assert.Len(t, f.snapshot().readCalls, 1, "older history needs no receipt")
	assert.Equal(t, ID("a2"), s.ReadCursor("A").MessageID)
}

func TestSessionCloseChat(t *testing.T) {
	f := newFakeBackend(t)
	seedMarket(f)
	s := newTestSession(t, f, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))
	selectAndConnect(t, f, s, "A")

	s.CloseChat()
	s.CloseChat()

	assert.Equal(t, StateDisconnected, s.ConnectionState())
	assert.False(t, s.list.Polling())
	require.Eventually(t, func() bool { return f.snapshot().open["A"] == 0 }, waitFor, tick)

	assert.ErrorIs(t, s.Open(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, s.SelectConversation(context.Background(), "B"), ErrSessionClosed)
	_, err := s.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrSessionClosed)

	listCalls := f.snapshot().listCalls
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, listCalls, f.snapshot().listCalls, "no polling after close")
}

func TestSessionTrack(t *testing.T) {
	f := newFakeBackend(t)
	client := f.client()
	s := newTestSession(t, f, SessionConfig{})

	conv, err := client.CreateDirect(context.Background(), "12")
	require.NoError(t, err)
	s.Track(*conv)

	got, ok := findConversation(s, "direct-1")
	require.True(t, ok)
	assert.Equal(t, ID("12"), got.Peer.ID)
}
