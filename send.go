package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

// MessageSender is the durable send path.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID ID, text, clientID string) (*Message, error)
}

// SendPipeline shows a message immediately, pushes it over the live
// transport and then confirms it over REST. The REST record is the source of
// truth; the transport push is fire and forget.
type SendPipeline struct {
	store     *MessageStore
	transport FrameSender
	api       MessageSender
	me        ID
	logger    *slog.Logger
	now       func() time.Time

	// onLocal, when set, runs right after the optimistic entry is stored.
	onLocal func(Message)
}

// NewSendPipeline wires a pipeline for user me.
func NewSendPipeline(store *MessageStore, transport FrameSender, api MessageSender, me ID, logger *slog.Logger) *SendPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendPipeline{
		store:     store,
		transport: transport,
		api:       api,
		me:        me,
		logger:    logger.With("component", "send"),
		now:       time.Now,
	}
}

// Send delivers text to conversationID. On success it returns the confirmed
// record. When confirmation fails the optimistic entry stays in the store
// marked Failed, and the returned error wraps ErrSendFailed; the local
// message is returned alongside it.
func (p *SendPipeline) Send(ctx context.Context, conversationID ID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if conversationID == "" {
		return Message{}, ErrNoActiveConversation
	}

	clientID := uuid.NewString()
	local := Message{
		ID:             ID(localIDPrefix + clientID),
		ConversationID: conversationID,
		SenderID:       p.me,
		Text:           text,
		CreatedAt:      p.now().UTC(),
		ClientID:       clientID,
		Pending:        true,
	}
	p.store.InsertLocal(local)
	if p.onLocal != nil {
		p.onLocal(local)
	}

	p.transport.Send(ctx, OutboundFrame{Type: FrameMessageSend, ClientID: clientID, Text: text})

	confirmed, err := p.api.SendMessage(ctx, conversationID, text, clientID)
	if err != nil {
		p.store.MarkFailed(conversationID, clientID)
		metrics.SendFailures.Inc()
		p.logger.Error("send confirmation failed",
			"conversation_id", conversationID, "client_id", clientID, "error", err)
		local.Pending, local.Failed = false, true
		return local, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	msg := withConversation(*confirmed, conversationID)
	p.store.Confirm(clientID, msg)
	p.logger.Debug("message confirmed", "conversation_id", conversationID, "message_id", msg.ID, "client_id", clientID)
	msg.ClientID = clientID
	return msg, nil
}
