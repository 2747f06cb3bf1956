package chatsync

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

// Session events.
const (
	EventConversationsChanged = "conversations.changed"
	EventMessagesChanged      = "messages.changed"
	EventConnectionState      = "connection.state"
	EventAuthRequired         = "auth.required"
	EventMessageFailed        = "message.failed"
	EventReceiptSent          = "receipt.sent"
)

// ConnectionStateEvent is the payload of EventConnectionState.
type ConnectionStateEvent struct {
	ConversationID ID
	State          ConnState
}

// MessageFailedEvent is the payload of EventMessageFailed.
type MessageFailedEvent struct {
	ConversationID ID
	ClientID       string
	Err            error
}

// EventHandler handles session events. The payload depends on the event:
//
//	conversations.changed  []Conversation
//	messages.changed       ID
//	receipt.sent           ID
//	connection.state       ConnectionStateEvent
//	auth.required          error
//	message.failed         MessageFailedEvent
type EventHandler func(event string, payload any)

// emitter fans session events out to subscribers. Subscriptions run in
// registration order; a panicking handler is logged and skipped.
type emitter struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

type subscription struct {
	id uint64
	fn EventHandler
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[string][]subscription)}
}

// On subscribes handler to event. The returned func removes it.
func (e *emitter) On(event string, handler EventHandler) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[event] = append(e.subs[event], subscription{id: id, fn: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.subs[event] = slices.DeleteFunc(e.subs[event], func(s subscription) bool { return s.id == id })
		})
	}
}

// OnMessagesChanged subscribes to message log changes.
func (e *emitter) OnMessagesChanged(fn func(conversationID ID)) func() {
	return e.On(EventMessagesChanged, func(_ string, p any) {
		if id, ok := p.(ID); ok {
			fn(id)
		}
	})
}

// OnConversationsChanged subscribes to conversation list snapshots.
func (e *emitter) OnConversationsChanged(fn func([]Conversation)) func() {
	return e.On(EventConversationsChanged, func(_ string, p any) {
		if convs, ok := p.([]Conversation); ok {
			fn(convs)
		}
	})
}

func (e *emitter) OnConnectionState(fn func(ConnectionStateEvent)) func() {
	return e.On(EventConnectionState, func(_ string, p any) {
		if ev, ok := p.(ConnectionStateEvent); ok {
			fn(ev)
		}
	})
}

func (e *emitter) OnAuthRequired(fn func(error)) func() {
	return e.On(EventAuthRequired, func(_ string, p any) {
		err, _ := p.(error)
		fn(err)
	})
}

func (e *emitter) OnMessageFailed(fn func(MessageFailedEvent)) func() {
	return e.On(EventMessageFailed, func(_ string, p any) {
		if ev, ok := p.(MessageFailedEvent); ok {
			fn(ev)
		}
	})
}

func (e *emitter) OnReceiptSent(fn func(conversationID ID)) func() {
	return e.On(EventReceiptSent, func(_ string, p any) {
		if id, ok := p.(ID); ok {
			fn(id)
		}
	})
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	subs := slices.Clone(e.subs[event])
	e.mu.RUnlock()
	for _, s := range subs {
		e.call(event, s.fn, payload)
	}
}

func (e *emitter) call(event string, fn EventHandler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(event).Inc()
			if e.logger != nil {
				e.logger.Error("event handler panicked", "event", event, "panic", r)
			}
		}
	}()
	fn(event, payload)
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = make(map[string][]subscription)
}
