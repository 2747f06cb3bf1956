package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionConfig configures a chat session. Zero values take defaults.
type SessionConfig struct {
	// UserID is the current user. When empty it is taken from the backend
	// (see Client.UserID).
	UserID       ID
	PageSize     int
	PollInterval time.Duration
	Realtime     RealtimeConfig
}

func (c *SessionConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.Realtime.defaults()
}

type SessionOption func(*Session)

// WithLogger sets the logger every component derives from.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithEnricher overrides the source of peer names and listing titles.
func WithEnricher(e Enricher) SessionOption {
	return func(s *Session) { s.enricher = e }
}

type userIDSource interface {
	UserID() (ID, error)
}

// Session owns one open chat surface: the connection, the message store,
// the read reconciler, the conversation list and the send pipeline.
type Session struct {
	*emitter

	backend  Backend
	enricher Enricher
	config   SessionConfig
	logger   *slog.Logger
	me       ID

	conn   *ConnectionManager
	store  *MessageStore
	reads  *ReadReconciler
	list   *ConversationList
	sender *SendPipeline

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu             sync.Mutex
	opened         bool
	closed         bool
	active         ID
	refreshPending bool
}

// NewSession builds a session against backend. The backend is also used as
// the Enricher when it implements it.
func NewSession(backend Backend, config SessionConfig, opts ...SessionOption) (*Session, error) {
	config.defaults()
	s := &Session{
		emitter: newEmitter(),
		backend: backend,
		config:  config,
		me:      config.UserID,
	}
	if e, ok := backend.(Enricher); ok {
		s.enricher = e
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.emitter.logger = s.logger.With("component", "events")

	if s.me == "" {
		src, ok := backend.(userIDSource)
		if !ok {
			return nil, ErrNoUserID
		}
		me, err := src.UserID()
		if err != nil {
			return nil, fmt.Errorf("resolve current user: %w", err)
		}
		s.me = me
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conn = NewConnectionManager(backend, config.Realtime, s.logger)
	s.store = NewMessageStore(backend, config.PageSize, s.logger)
	s.list = NewConversationList(backend, s.enricher, s.me, s.logger)
	s.reads = NewReadReconciler(s.store, s.list, s.conn, backend, s.me, s.logger)
	s.sender = NewSendPipeline(s.store, s.conn, backend, s.me, s.logger)
	s.sender.onLocal = func(m Message) { s.emit(EventMessagesChanged, m.ConversationID) }
	s.conn.SetHandlers(s.handlers())
	return s, nil
}

func (s *Session) handlers() Handlers {
	return Handlers{
		OnMessage:     s.handleMessage,
		OnReadReceipt: s.handleReceipt,
		OnState: func(id ID, state ConnState) {
			s.emit(EventConnectionState, ConnectionStateEvent{ConversationID: id, State: state})
		},
		OnAuthError: func(id ID, err error) {
			s.logger.Error("chat connection requires re-authentication", "conversation_id", id, "error", err)
			s.emit(EventAuthRequired, err)
		},
		OnReconnected: s.fillGap,
	}
}

// ── Surface lifecycle ────────────────────────────────────

// Open loads the conversation list and starts the fallback poll while no
// conversation is selected. A failed list load is returned, but the session
// stays open and the poll keeps retrying.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.opened = true
	idle := s.active == ""
	s.mu.Unlock()

	err := s.list.Refresh(ctx)
	if err == nil {
		s.emit(EventConversationsChanged, s.list.Snapshot())
	}
	if idle {
		s.startPolling()
	}
	return err
}

// SelectConversation makes id the active conversation: the connection is
// scoped to it, its history is loaded and its unread messages are
// acknowledged. An empty id returns to the list view.
func (s *Session) SelectConversation(ctx context.Context, id ID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	prev := s.active
	s.active = id
	opened := s.opened
	s.mu.Unlock()

	s.list.SetActive(id)
	if prev != "" && prev != id {
		s.store.Invalidate(prev)
	}

	if id == "" {
		s.conn.Deactivate()
		if opened {
			s.startPolling()
		}
		s.emit(EventConversationsChanged, s.list.Snapshot())
		return nil
	}

	s.list.StopPolling()
	s.conn.Activate(s.ctx, id)
	s.emit(EventConversationsChanged, s.list.Snapshot())

	if err := s.store.LoadInitialPage(ctx, id); err != nil {
		return err
	}
	s.reads.CatchUp(id)
	s.emit(EventMessagesChanged, id)
	s.observe(id, s.store.Messages(id))
	return nil
}

// SendMessage sends text to the active conversation.
func (s *Session) SendMessage(ctx context.Context, text string) (Message, error) {
	active, err := s.activeOrErr()
	if err != nil {
		return Message{}, err
	}

	msg, err := s.sender.Send(ctx, active, text)
	switch {
	case errors.Is(err, ErrSendFailed):
		s.emit(EventMessagesChanged, active)
		s.emit(EventMessageFailed, MessageFailedEvent{ConversationID: active, ClientID: msg.ClientID, Err: err})
		return msg, err
	case err != nil:
		return msg, err
	}

	s.list.ApplyMessage(msg, true)
	s.emit(EventMessagesChanged, active)
	s.emit(EventConversationsChanged, s.list.Snapshot())
	return msg, nil
}

// LoadOlderMessages fetches the previous history page of the active
// conversation. It reports false, without fetching, once history is
// exhausted.
func (s *Session) LoadOlderMessages(ctx context.Context) (bool, error) {
	active, err := s.activeOrErr()
	if err != nil {
		return false, err
	}
	fetched, err := s.store.LoadOlder(ctx, active)
	if err != nil || !fetched {
		return false, err
	}
	s.reads.CatchUp(active)
	s.emit(EventMessagesChanged, active)
	s.observe(active, s.store.Messages(active))
	return true, nil
}

// CloseChat tears the session down: the poll, the connection, any pending
// reconnect and every background task. It waits for all of them. The
// session cannot be reused.
func (s *Session) CloseChat() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.list.StopPolling()
	s.cancel()
	s.conn.Deactivate()
	s.tasks.Wait()
	s.removeAll()
	s.logger.Debug("chat session closed")
}

// ── Accessors ────────────────────────────────────────────

// Conversations returns the conversation list, newest activity first.
func (s *Session) Conversations() []Conversation {
	return s.list.Snapshot()
}

// Messages returns the active conversation's messages in display order.
func (s *Session) Messages() []Message {
	return s.store.Messages(s.ActiveConversation())
}

// MessagesFor returns any loaded conversation's messages in display order.
func (s *Session) MessagesFor(conversationID ID) []Message {
	return s.store.Messages(conversationID)
}

// HasMoreHistory reports whether older messages can be loaded for the
// active conversation.
func (s *Session) HasMoreHistory() bool {
	return s.store.HasMore(s.ActiveConversation())
}

// ActiveConversation returns the selected conversation id, or "".
func (s *Session) ActiveConversation() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ConnectionState returns the live connection's state.
func (s *Session) ConnectionState() ConnState {
	return s.conn.State()
}

// Retries returns the current reconnect attempt count.
func (s *Session) Retries() int {
	return s.conn.Retries()
}

// UserID returns the current user id.
func (s *Session) UserID() ID {
	return s.me
}

// ReadCursor returns the local read cursor of a conversation.
func (s *Session) ReadCursor(conversationID ID) ReadCursor {
	return s.reads.Cursor(conversationID)
}

// Track adds a conversation obtained out of band, such as a new direct chat.
func (s *Session) Track(c Conversation) {
	s.list.Upsert(c)
	s.emit(EventConversationsChanged, s.list.Snapshot())
}

// ── Live traffic ─────────────────────────────────────────

func (s *Session) handleMessage(msg Message) {
	added := s.store.ApplyIncoming(msg)
	if known := s.list.ApplyMessage(msg, added); !known {
		s.scheduleRefresh()
	}
	if added {
		s.emit(EventMessagesChanged, msg.ConversationID)
	}
	s.emit(EventConversationsChanged, s.list.Snapshot())

	if msg.ConversationID == s.ActiveConversation() {
		s.observe(msg.ConversationID, []Message{msg})
	}
}

func (s *Session) handleReceipt(r ReadReceipt) {
	if convID, n := s.reads.ApplyReceipt(r); n > 0 {
		s.emit(EventMessagesChanged, convID)
	}
}

// fillGap fetches what was missed while the connection was down.
func (s *Session) fillGap(conversationID ID) {
	s.goTask(func(ctx context.Context) {
		added, err := s.store.LoadNewer(ctx, conversationID)
		if err != nil {
			s.logger.Warn("gap fill after reconnect failed", "conversation_id", conversationID, "error", err)
			return
		}
		if len(added) == 0 {
			return
		}
		for _, m := range added {
			s.list.ApplyMessage(m, true)
		}
		s.emit(EventMessagesChanged, conversationID)
		s.emit(EventConversationsChanged, s.list.Snapshot())
		if conversationID == s.ActiveConversation() {
			s.observeNow(ctx, conversationID, added)
		}
	})
}

// observe hands msgs to the read reconciler off the caller's goroutine.
func (s *Session) observe(conversationID ID, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.goTask(func(ctx context.Context) {
		s.observeNow(ctx, conversationID, msgs)
	})
}

func (s *Session) observeNow(ctx context.Context, conversationID ID, msgs []Message) {
	// Never acknowledge a conversation the user has moved away from.
	if conversationID != s.ActiveConversation() {
		return
	}
	if _, sent := s.reads.Observe(ctx, conversationID, msgs); sent {
		s.emit(EventReceiptSent, conversationID)
		s.emit(EventMessagesChanged, conversationID)
		s.emit(EventConversationsChanged, s.list.Snapshot())
	}
}

// scheduleRefresh reloads the list in the background; concurrent requests
// collapse into one.
func (s *Session) scheduleRefresh() {
	s.mu.Lock()
	if s.refreshPending {
		s.mu.Unlock()
		return
	}
	s.refreshPending = true
	s.mu.Unlock()

	started := s.goTask(func(ctx context.Context) {
		defer func() {
			s.mu.Lock()
			s.refreshPending = false
			s.mu.Unlock()
		}()
		if err := s.list.Refresh(ctx); err == nil {
			s.emit(EventConversationsChanged, s.list.Snapshot())
		}
	})
	if !started {
		s.mu.Lock()
		s.refreshPending = false
		s.mu.Unlock()
	}
}

func (s *Session) startPolling() {
	s.list.StartPolling(s.ctx, s.config.PollInterval, func() {
		s.emit(EventConversationsChanged, s.list.Snapshot())
	})
}

// goTask runs fn on a tracked goroutine bound to the session context. It
// reports false once the session is closed.
func (s *Session) goTask(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *Session) activeOrErr() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.active == "" {
		return "", ErrNoActiveConversation
	}
	return s.active, nil
}
