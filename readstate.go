package chatsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

// FrameSender is the outbound half of the live transport.
type FrameSender interface {
	Send(ctx context.Context, frame OutboundFrame) bool
}

// ReadMarker is the REST read pointer.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, messageID ID) error
}

// UnreadSetter receives optimistic unread resets.
type UnreadSetter interface {
	SetUnread(conversationID ID, n int)
}

// ReadReconciler emits read receipts for the conversation being viewed and
// applies receipts sent by the peer.
type ReadReconciler struct {
	store     *MessageStore
	unread    UnreadSetter
	transport FrameSender
	api       ReadMarker
	me        ID
	logger    *slog.Logger

	mu      sync.Mutex
	cursors map[ID]ReadCursor
}

// NewReadReconciler wires a reconciler for user me.
func NewReadReconciler(store *MessageStore, unread UnreadSetter, transport FrameSender, api ReadMarker, me ID, logger *slog.Logger) *ReadReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadReconciler{
		store:     store,
		unread:    unread,
		transport: transport,
		api:       api,
		me:        me,
		logger:    logger.With("component", "readstate"),
		cursors:   make(map[ID]ReadCursor),
	}
}

// Cursor returns the newest message acknowledged in conversationID.
func (r *ReadReconciler) Cursor(conversationID ID) ReadCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[conversationID]
}

// Observe is called with messages that just entered the conversation being
// viewed. If any is an unread peer message newer than the cursor, the cursor
// advances to the newest one, local state is marked read and a receipt is
// sent on both channels. Unread peer messages at or before the cursor are
// marked read locally without a receipt. Callers must only pass the active
// conversation.
// It reports the message the receipt references, if one was sent.
func (r *ReadReconciler) Observe(ctx context.Context, conversationID ID, msgs []Message) (Message, bool) {
	var target Message
	found := false
	for _, m := range msgs {
		if m.SenderID == r.me || m.Read || isLocal(m.ID) {
			continue
		}
		if !found || messageLess(target, m) {
			target, found = m, true
		}
	}
	if !found {
		return Message{}, false
	}

	r.mu.Lock()
	cur := r.cursors[conversationID]
	if cur.MessageID != "" && !cursorLess(cur, target) {
		r.mu.Unlock()
		r.CatchUp(conversationID)
		return Message{}, false
	}
	r.cursors[conversationID] = ReadCursor{MessageID: target.ID, At: target.CreatedAt}
	r.mu.Unlock()

	r.store.MarkReadUpTo(conversationID, target.CreatedAt, r.me)
	if r.unread != nil {
		r.unread.SetUnread(conversationID, 0)
	}

	r.transport.Send(ctx, OutboundFrame{Type: FrameReadUpdate, MessageID: target.ID})
	if err := r.api.MarkRead(ctx, conversationID, target.ID); err != nil {
		// Local state stays read.
		r.logger.Warn("mark read failed", "conversation_id", conversationID, "message_id", target.ID, "error", err)
	}
	metrics.ReceiptsSent.Inc()
	r.logger.Debug("read receipt sent", "conversation_id", conversationID, "message_id", target.ID)
	return target, true
}

// CatchUp marks peer messages at or before the cursor read locally, for
// history that was loaded after the cursor passed it. No receipt is sent.
// It returns how many messages changed.
func (r *ReadReconciler) CatchUp(conversationID ID) int {
	cur := r.Cursor(conversationID)
	if cur.MessageID == "" {
		return 0
	}
	return r.store.MarkReadUpTo(conversationID, cur.At, r.me)
}

// ApplyReceipt applies a peer's read receipt: every message in the
// receipt's conversation not written by the reader, created at or before the
// referenced message, becomes read. A message id not held in the scoped
// conversation is looked up in the other loaded conversations; an id that is
// not held anywhere is ignored. It returns the conversation that was
// updated and how many of its messages changed.
func (r *ReadReconciler) ApplyReceipt(receipt ReadReceipt) (ID, int) {
	if receipt.ReaderID == "" || receipt.ReaderID == r.me {
		return "", 0
	}
	convID := receipt.ConversationID
	ref, ok := r.store.Lookup(convID, receipt.MessageID)
	if !ok {
		convID, ref, ok = r.store.Find(receipt.MessageID)
	}
	if !ok {
		r.logger.Debug("receipt for unknown message ignored",
			"conversation_id", receipt.ConversationID, "message_id", receipt.MessageID)
		return "", 0
	}
	return convID, r.store.MarkReadUpTo(convID, ref.CreatedAt, receipt.ReaderID)
}

func cursorLess(c ReadCursor, m Message) bool {
	return messageLess(Message{ID: c.MessageID, CreatedAt: c.At}, m)
}
