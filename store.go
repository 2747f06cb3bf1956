package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

const (
	DefaultPageSize = 50

	// localIDPrefix marks optimistic entries that have no server id yet.
	localIDPrefix = "local-"

	// An optimistic entry and a server record with the same sender and text
	// created within this window are the same message.
	semanticMatchWindow = 2 * time.Minute
)

// HistoryFetcher is the slice of ChatAPI the store needs.
type HistoryFetcher interface {
	GetMessages(ctx context.Context, conversationID ID, q PageQuery) (*MessagePage, error)
}

// messageLog is one conversation's deduplicated log. order is the insertion
// list, latest arrival first; display order is computed on read.
type messageLog struct {
	order []ID
	byID  map[ID]Message

	nextBefore *string
	loaded     bool
	loading    bool
	// gen changes on Invalidate so a fetch that straddles it cannot mark the
	// log loaded for the next activation.
	gen int
}

func newMessageLog() *messageLog {
	return &messageLog{byID: make(map[ID]Message)}
}

func (l *messageLog) hasMore() bool {
	return l.loaded && l.nextBefore != nil
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds every conversation's log for the session. All merges
// are keyed by message id, so pages and pushes may arrive in any order.
type MessageStore struct {
	api      HistoryFetcher
	pageSize int
	logger   *slog.Logger

	mu   sync.RWMutex
	logs map[ID]*messageLog
}

// NewMessageStore creates a store that pages history through api.
func NewMessageStore(api HistoryFetcher, pageSize int, logger *slog.Logger) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		api:      api,
		pageSize: pageSize,
		logger:   logger.With("component", "store"),
		logs:     make(map[ID]*messageLog),
	}
}

func (s *MessageStore) logLocked(conversationID ID) *messageLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = newMessageLog()
		s.logs[conversationID] = l
	}
	return l
}

// ── History ──────────────────────────────────────────────

// LoadInitialPage fetches the newest page once per activation. Repeated or
// concurrent calls for the same activation do not refetch.
func (s *MessageStore) LoadInitialPage(ctx context.Context, conversationID ID) error {
	s.mu.Lock()
	l := s.logLocked(conversationID)
	if l.loaded || l.loading {
		s.mu.Unlock()
		return nil
	}
	l.loading = true
	gen := l.gen
	s.mu.Unlock()

	page, err := s.api.GetMessages(ctx, conversationID, PageQuery{Limit: s.pageSize})

	s.mu.Lock()
	defer s.mu.Unlock()
	l.loading = false
	if err != nil {
		s.logger.Warn("initial page fetch failed", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("load messages for conversation %s: %w", conversationID, err)
	}
	n := s.mergeLocked(conversationID, page.Results, false)
	if l.gen == gen {
		l.loaded = true
		l.nextBefore = page.NextBefore
	}
	metrics.MessagesApplied.WithLabelValues("page").Add(float64(n))
	s.logger.Debug("initial page loaded", "conversation_id", conversationID,
		"count", len(page.Results), "has_more", page.NextBefore != nil)
	return nil
}

// LoadOlder fetches the page before the current cursor. It reports false
// without fetching when history is exhausted or not yet loaded.
func (s *MessageStore) LoadOlder(ctx context.Context, conversationID ID) (bool, error) {
	s.mu.Lock()
	l := s.logLocked(conversationID)
	if !l.hasMore() || l.loading {
		s.mu.Unlock()
		return false, nil
	}
	l.loading = true
	before := *l.nextBefore
	s.mu.Unlock()

	page, err := s.api.GetMessages(ctx, conversationID, PageQuery{Limit: s.pageSize, Before: before})

	s.mu.Lock()
	defer s.mu.Unlock()
	l.loading = false
	if err != nil {
		s.logger.Warn("older page fetch failed", "conversation_id", conversationID, "error", err)
		return false, fmt.Errorf("load older messages for conversation %s: %w", conversationID, err)
	}
	n := s.mergeLocked(conversationID, page.Results, false)
	l.nextBefore = page.NextBefore
	metrics.MessagesApplied.WithLabelValues("page").Add(float64(n))
	return true, nil
}

// LoadNewer fetches messages after the newest known one and merges them. It
// closes the gap left by a dropped connection.
func (s *MessageStore) LoadNewer(ctx context.Context, conversationID ID) ([]Message, error) {
	newest, ok := s.Newest(conversationID)
	if !ok {
		return nil, nil
	}
	page, err := s.api.GetMessages(ctx, conversationID, PageQuery{Limit: s.pageSize, After: newest.ID})
	if err != nil {
		return nil, fmt.Errorf("load newer messages for conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var added []Message
	for _, m := range page.Results {
		m = withConversation(m, conversationID)
		if m.ID != "" && s.applyLocked(m, true) {
			added = append(added, m)
		}
	}
	metrics.MessagesApplied.WithLabelValues("gap").Add(float64(len(added)))
	return added, nil
}

// Invalidate ends an activation: the next LoadInitialPage fetches again.
// Messages already held are kept and merged with the fresh page.
func (s *MessageStore) Invalidate(conversationID ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		l.loaded = false
		l.nextBefore = nil
		l.gen++
	}
}

// HasMore reports whether older history can still be fetched.
func (s *MessageStore) HasMore(conversationID ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	return ok && l.hasMore()
}

// Loaded reports whether the initial page for the current activation is in.
func (s *MessageStore) Loaded(conversationID ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	return ok && l.loaded
}

// ── Live merges ──────────────────────────────────────────

// ApplyIncoming merges a pushed message. It reports whether the message was
// new to the log; a repeat of a known id only ever upgrades its read flag.
func (s *MessageStore) ApplyIncoming(msg Message) bool {
	if msg.ConversationID == "" || msg.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.applyLocked(msg, true)
	if added {
		metrics.MessagesApplied.WithLabelValues("push").Inc()
	}
	return added
}

// InsertLocal adds an optimistic entry for a message being sent.
func (s *MessageStore) InsertLocal(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(msg.ConversationID)
	if _, ok := l.byID[msg.ID]; ok {
		return
	}
	l.byID[msg.ID] = msg
	l.order = slices.Insert(l.order, 0, msg.ID)
}

// Confirm replaces the optimistic entry for clientID with the server record.
// If the record already arrived over the live feed the optimistic entry is
// simply dropped.
func (s *MessageStore) Confirm(clientID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(msg.ConversationID)
	msg.ClientID = clientID
	msg.Pending, msg.Failed = false, false

	if local, ok := s.findLocalLocked(l, msg); ok {
		if existing, dup := l.byID[msg.ID]; dup {
			msg.Read = msg.Read || existing.Read
			l.byID[msg.ID] = msg
			s.removeLocked(l, local.ID)
		} else {
			msg.Read = msg.Read || local.Read
			s.replaceLocked(l, local.ID, msg)
		}
		metrics.MessagesApplied.WithLabelValues("confirm").Inc()
		return
	}
	// The live echo may have already replaced the optimistic entry under a
	// different id; the confirmed record wins.
	for id, m := range l.byID {
		if id != msg.ID && m.ClientID == clientID {
			msg.Read = msg.Read || m.Read
			if _, dup := l.byID[msg.ID]; dup {
				s.removeLocked(l, id)
				l.byID[msg.ID] = msg
			} else {
				s.replaceLocked(l, id, msg)
			}
			return
		}
	}
	if s.applyLocked(msg, true) {
		metrics.MessagesApplied.WithLabelValues("confirm").Inc()
	}
}

// MarkFailed flags the optimistic entry for clientID as not delivered. The
// entry is kept so the user can still see what they tried to send.
func (s *MessageStore) MarkFailed(conversationID ID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return
	}
	id := ID(localIDPrefix + clientID)
	if m, ok := l.byID[id]; ok {
		m.Pending = false
		m.Failed = true
		l.byID[id] = m
	}
}

// applyLocked merges msg into its log. atHead selects the insertion end of
// the arrival list. It reports whether the log gained a message.
func (s *MessageStore) applyLocked(msg Message, atHead bool) bool {
	l := s.logLocked(msg.ConversationID)
	if existing, ok := l.byID[msg.ID]; ok {
		if msg.Read && !existing.Read {
			existing.Read = true
			l.byID[msg.ID] = existing
		}
		return false
	}
	if local, ok := s.findLocalLocked(l, msg); ok {
		msg.Read = msg.Read || local.Read
		if msg.ClientID == "" {
			msg.ClientID = local.ClientID
		}
		s.replaceLocked(l, local.ID, msg)
		return true
	}
	l.byID[msg.ID] = msg
	if atHead {
		l.order = slices.Insert(l.order, 0, msg.ID)
	} else {
		l.order = append(l.order, msg.ID)
	}
	return true
}

func (s *MessageStore) mergeLocked(conversationID ID, msgs []Message, atHead bool) int {
	n := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if s.applyLocked(withConversation(m, conversationID), atHead) {
			n++
		}
	}
	return n
}

// findLocalLocked finds the optimistic entry a server record stands for:
// same client id, or same sender and text created close together.
func (s *MessageStore) findLocalLocked(l *messageLog, msg Message) (Message, bool) {
	if isLocal(msg.ID) {
		return Message{}, false
	}
	if msg.ClientID != "" {
		if local, ok := l.byID[ID(localIDPrefix+msg.ClientID)]; ok {
			return local, true
		}
	}
	for _, id := range l.order {
		if !isLocal(id) {
			continue
		}
		local := l.byID[id]
		if local.Text != msg.Text {
			continue
		}
		if local.SenderID != "" && local.SenderID != msg.SenderID {
			continue
		}
		if d := local.CreatedAt.Sub(msg.CreatedAt); d > semanticMatchWindow || d < -semanticMatchWindow {
			continue
		}
		return local, true
	}
	return Message{}, false
}

func (s *MessageStore) replaceLocked(l *messageLog, oldID ID, msg Message) {
	delete(l.byID, oldID)
	l.byID[msg.ID] = msg
	for i, id := range l.order {
		if id == oldID {
			l.order[i] = msg.ID
			return
		}
	}
	l.order = slices.Insert(l.order, 0, msg.ID)
}

func (s *MessageStore) removeLocked(l *messageLog, id ID) {
	delete(l.byID, id)
	l.order = slices.DeleteFunc(l.order, func(x ID) bool { return x == id })
}

// ── Read state ───────────────────────────────────────────

// MarkReadUpTo marks every unread message created at or before upTo as read,
// skipping messages sent by exclude. It returns how many changed.
func (s *MessageStore) MarkReadUpTo(conversationID ID, upTo time.Time, exclude ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for id, m := range l.byID {
		if m.Read || m.SenderID == exclude || m.CreatedAt.After(upTo) {
			continue
		}
		m.Read = true
		l.byID[id] = m
		n++
	}
	return n
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a copy of the log in display order: created_at
// ascending, ties broken by id.
func (s *MessageStore) Messages(conversationID ID) []Message {
	s.mu.RLock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	out := make([]Message, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	s.mu.RUnlock()

	sortMessages(out)
	return out
}

// Lookup returns a message of one conversation by id.
func (s *MessageStore) Lookup(conversationID, messageID ID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	m, ok := l.byID[messageID]
	return m, ok
}

// Find searches every loaded conversation for messageID.
func (s *MessageStore) Find(messageID ID) (ID, Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for convID, l := range s.logs {
		if m, ok := l.byID[messageID]; ok {
			return convID, m, true
		}
	}
	return "", Message{}, false
}

// Newest returns the most recent server-confirmed message.
func (s *MessageStore) Newest(conversationID ID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	var newest Message
	found := false
	for id, m := range l.byID {
		if isLocal(id) {
			continue
		}
		if !found || messageLess(newest, m) {
			newest, found = m, true
		}
	}
	return newest, found
}

// ============================================================================
// Helpers
// ============================================================================

func isLocal(id ID) bool {
	return strings.HasPrefix(string(id), localIDPrefix)
}

func withConversation(m Message, conversationID ID) Message {
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return m
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if messageLess(a, b) {
			return -1
		}
		if messageLess(b, a) {
			return 1
		}
		return 0
	})
}
