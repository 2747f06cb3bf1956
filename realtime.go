package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

// Close codes the chat server uses to refuse a connection.
const (
	CloseUnauthenticated websocket.StatusCode = 4001
	CloseForbidden       websocket.StatusCode = 4003
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	WriteTimeout       time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 8 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

func (s ConnState) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	}
	return 0
}

// ============================================================================
// Reconnector
// ============================================================================

// ReconnectDelay is the wait before retry number attempt (1-based): the
// delay grows linearly with the attempt and is capped at maxDelay.
func ReconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Guard the multiplication against overflow for very long outages.
	if base > 0 && time.Duration(attempt) > maxDelay/base {
		return maxDelay
	}
	return min(time.Duration(attempt)*base, maxDelay)
}

type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay: config.ReconnectBaseDelay,
		maxDelay:  config.ReconnectMaxDelay,
	}
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return ReconnectDelay(r.attempt, r.baseDelay, r.maxDelay)
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Handlers
// ============================================================================

// Handlers receives everything the live transport produces. Any field may be
// nil. Handlers run on the connection's read goroutine and must not block.
type Handlers struct {
	OnMessage     func(Message)
	OnReadReceipt func(ReadReceipt)
	OnState       func(conversationID ID, state ConnState)
	OnAuthError   func(conversationID ID, err error)
	// OnReconnected fires after every successful open except the first one
	// of an activation.
	OnReconnected func(conversationID ID)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager keeps at most one live connection, scoped to the active
// conversation, and reconnects it after unexpected loss.
type ConnectionManager struct {
	dialer   Dialer
	config   RealtimeConfig
	logger   *slog.Logger
	handlers atomic.Pointer[Handlers]

	// lifecycle serializes Activate and Deactivate.
	lifecycle sync.Mutex

	mu             sync.Mutex
	state          ConnState
	conversationID ID
	conn           *websocket.Conn
	recon          *reconnector
	cancelFn       context.CancelFunc
	done           chan struct{}
}

// NewConnectionManager creates a manager that dials through d.
func NewConnectionManager(d Dialer, config RealtimeConfig, logger *slog.Logger) *ConnectionManager {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConnectionManager{
		dialer: d,
		config: config,
		logger: logger.With("component", "connection"),
		state:  StateDisconnected,
		recon:  newReconnector(&config),
	}
	m.handlers.Store(&Handlers{})
	return m
}

// SetHandlers swaps the handler slot. The live connection is left alone; the
// next inbound frame is delivered to the new handlers.
func (m *ConnectionManager) SetHandlers(h Handlers) {
	m.handlers.Store(&h)
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConversationID returns the conversation the manager is scoped to.
func (m *ConnectionManager) ConversationID() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Retries returns the number of reconnect attempts since the last open.
func (m *ConnectionManager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempt
}

// Activate scopes the manager to conversationID. A connection held for a
// different conversation is closed deliberately first. An empty id only
// closes. Activating the already-active id is a no-op.
func (m *ConnectionManager) Activate(ctx context.Context, conversationID ID) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	running := false
	if m.done != nil {
		select {
		case <-m.done:
		default:
			running = true
		}
	}
	same := m.conversationID == conversationID
	m.mu.Unlock()
	if running && same {
		return
	}

	m.stop()
	if conversationID == "" {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.conversationID = conversationID
	m.cancelFn = cancel
	m.done = done
	m.recon.reset()
	m.mu.Unlock()

	go m.run(runCtx, conversationID, done)
}

// Deactivate closes the connection with a normal close and cancels any
// pending reconnect. It returns once the connection goroutine has exited.
func (m *ConnectionManager) Deactivate() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stop()
}

func (m *ConnectionManager) stop() {
	m.mu.Lock()
	cancel, done, prev := m.cancelFn, m.done, m.conversationID
	m.cancelFn, m.done = nil, nil
	m.conversationID = ""
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setState(prev, StateDisconnected)
}

// Send writes a frame to the live connection. When not connected the frame
// is dropped with a warning and Send reports false. Frames are never queued.
func (m *ConnectionManager) Send(ctx context.Context, frame OutboundFrame) bool {
	m.mu.Lock()
	conn, state, id := m.conn, m.state, m.conversationID
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		m.logger.Warn("dropping outbound frame: not connected",
			"type", frame.Type, "conversation_id", id, "state", state)
		metrics.FramesDropped.WithLabelValues("outbound").Inc()
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Warn("dropping outbound frame: marshal", "type", frame.Type, "error", err)
		metrics.FramesDropped.WithLabelValues("outbound").Inc()
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		m.logger.Warn("outbound frame write failed", "type", frame.Type, "conversation_id", id, "error", err)
		metrics.FramesDropped.WithLabelValues("outbound").Inc()
		return false
	}
	return true
}

func (m *ConnectionManager) setState(conversationID ID, s ConnState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if !changed {
		return
	}
	metrics.ConnectionState.Set(s.gauge())
	m.logger.Debug("connection state", "conversation_id", conversationID, "state", s)
	if h := m.handlers.Load(); h.OnState != nil {
		h.OnState(conversationID, s)
	}
}

func (m *ConnectionManager) run(ctx context.Context, conversationID ID, done chan struct{}) {
	defer close(done)

	opened := false
	for {
		if opened || m.Retries() > 0 {
			m.setState(conversationID, StateReconnecting)
		} else {
			m.setState(conversationID, StateConnecting)
		}

		conn, err := m.dialer.DialConversation(ctx, conversationID)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "client disconnect")
			}
			return
		}
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				m.authFailed(conversationID, err)
				return
			}
			m.logger.Warn("dial failed", "conversation_id", conversationID, "error", err)
		} else {
			m.mu.Lock()
			m.conn = conn
			m.recon.reset()
			m.mu.Unlock()
			m.setState(conversationID, StateConnected)
			m.logger.Info("connected", "conversation_id", conversationID)

			if opened {
				if h := m.handlers.Load(); h.OnReconnected != nil {
					h.OnReconnected(conversationID)
				}
			}
			opened = true

			err = m.readLoop(ctx, conn, conversationID)

			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			if code := websocket.CloseStatus(err); code == CloseUnauthenticated || code == CloseForbidden {
				m.authFailed(conversationID, err)
				return
			}
			m.logger.Warn("connection lost", "conversation_id", conversationID,
				"close_code", int(websocket.CloseStatus(err)), "error", err)
		}

		m.mu.Lock()
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.mu.Unlock()
		metrics.Reconnects.Inc()
		m.setState(conversationID, StateReconnecting)
		m.logger.Info("reconnecting", "conversation_id", conversationID, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *ConnectionManager) authFailed(conversationID ID, cause error) {
	metrics.AuthRejections.Inc()
	m.logger.Error("authentication rejected, not retrying", "conversation_id", conversationID, "error", cause)
	m.setState(conversationID, StateDisconnected)
	if h := m.handlers.Load(); h.OnAuthError != nil {
		err := cause
		if !errors.Is(err, ErrAuthRejected) {
			err = errors.Join(ErrAuthRejected, cause)
		}
		h.OnAuthError(conversationID, err)
	}
}

// readLoop blocks until the connection fails or ctx is cancelled. A cancel
// closes the socket with a normal close so the peer sees a clean shutdown.
func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, conversationID ID) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	defer stop()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return err
		}
		m.dispatch(conversationID, data)
	}
}

func (m *ConnectionManager) dispatch(conversationID ID, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("dropping unparseable frame", "conversation_id", conversationID, "error", err)
		metrics.FramesDropped.WithLabelValues("unparseable").Inc()
		return
	}

	// Loaded per frame so a handler swap takes effect immediately.
	h := m.handlers.Load()

	switch frame.Type {
	case FrameMessageNew:
		var msg Message
		if len(frame.Message) == 0 || json.Unmarshal(frame.Message, &msg) != nil || msg.ID == "" {
			m.logger.Warn("dropping malformed message frame", "conversation_id", conversationID)
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			return
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	case FrameReadBroadcast:
		if frame.MessageID == "" || frame.ReaderID == "" {
			m.logger.Warn("dropping malformed read frame", "conversation_id", conversationID)
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			return
		}
		if h.OnReadReceipt != nil {
			h.OnReadReceipt(ReadReceipt{
				ConversationID: conversationID,
				MessageID:      frame.MessageID,
				ReaderID:       frame.ReaderID,
			})
		}
	default:
		m.logger.Warn("dropping unknown frame", "conversation_id", conversationID, "type", frame.Type)
		metrics.FramesDropped.WithLabelValues("unknown").Inc()
	}
}
