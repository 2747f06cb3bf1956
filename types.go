package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAuthRejected is returned (or wrapped) whenever the backend refuses the
	// credential: HTTP 401/403 on REST, close code 4001/4003 on the transport.
	ErrAuthRejected = errors.New("chatsync: authentication rejected")

	// ErrEmptyMessage is returned when a send is attempted with blank text.
	ErrEmptyMessage = errors.New("chatsync: message text is empty")

	// ErrSendFailed wraps a failure of the durable confirm path.
	ErrSendFailed = errors.New("chatsync: send confirmation failed")

	// ErrNoActiveConversation is returned by operations that need a selected conversation.
	ErrNoActiveConversation = errors.New("chatsync: no active conversation")

	// ErrSessionClosed is returned by a Session after CloseChat.
	ErrSessionClosed = errors.New("chatsync: session closed")
)

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, msg)
}

// Is lets errors.Is(err, ErrAuthRejected) match 401 and 403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrAuthRejected &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// ============================================================================
// Identifiers
// ============================================================================

// ID is a server-issued identifier. The backend emits some ids as JSON
// numbers (user ids) and others as strings (UUIDs); both decode to the same
// string form so comparisons never depend on representation.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: expected string or number, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message. Pending and Failed describe the local
// optimistic lifecycle and are never sent over the wire.
type Message struct {
	ID             ID        `json:"id"`
	ConversationID ID        `json:"conversation"`
	SenderID       ID        `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
	ClientID       string    `json:"client_id,omitempty"`

	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type wire Message
	var aux struct {
		wire
		IsRead *bool `json:"is_read"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.wire)
	if aux.IsRead != nil {
		m.Read = m.Read || *aux.IsRead
	}
	return nil
}

// MessagePage is one page of history, newest window first.
type MessagePage struct {
	Results    []Message `json:"results"`
	NextBefore *string   `json:"next_before"`
}

// PageQuery selects a history window. Before and After are mutually exclusive.
type PageQuery struct {
	Limit  int
	Before string
	After  ID
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is a conversation member as embedded in list responses.
type Participant struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	NetID    string `json:"netid,omitempty"`
}

// DisplayName resolves the best available human-readable name.
func (p Participant) DisplayName() string {
	switch {
	case strings.TrimSpace(p.FullName) != "":
		return strings.TrimSpace(p.FullName)
	case p.Username != "":
		return p.Username
	case p.NetID != "":
		return p.NetID
	case p.Email != "":
		if at := strings.IndexByte(p.Email, '@'); at > 0 {
			return p.Email[:at]
		}
		return p.Email
	case p.ID != "":
		return "User " + string(p.ID)
	}
	return "Unknown user"
}

// ListingRef is the listing a conversation was opened from. The backend
// sends either a bare id or an object.
type ListingRef struct {
	ID    ID     `json:"listing_id"`
	Title string `json:"title,omitempty"`
}

func (l *ListingRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		return l.ID.UnmarshalJSON(data)
	}
	var aux struct {
		ListingID ID     `json:"listing_id"`
		ID        ID     `json:"id"`
		Title     string `json:"title"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	l.ID = aux.ListingID
	if l.ID == "" {
		l.ID = aux.ID
	}
	l.Title = aux.Title
	return nil
}

// LastMessage is the denormalized summary carried by a conversation.
type LastMessage struct {
	ID        ID        `json:"id"`
	Text      string    `json:"text"`
	SenderID  ID        `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a two-party thread with its list summary.
type Conversation struct {
	ID          ID           `json:"id"`
	Peer        Participant  `json:"peer"`
	Listing     *ListingRef  `json:"listing,omitempty"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
}

// PeerName is the display name of the other participant.
func (c Conversation) PeerName() string { return c.Peer.DisplayName() }

// lastActivity is used to order the list, newest first.
func (c Conversation) lastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// conversationWire is the list endpoint's item shape.
type conversationWire struct {
	ID               ID            `json:"id"`
	OtherParticipant *Participant  `json:"other_participant"`
	Participants     []Participant `json:"participants"`
	Listing          *ListingRef   `json:"listing"`
	ListingTitle     string        `json:"listing_title"`
	LastMessage      *LastMessage  `json:"last_message"`
	UnreadCount      int           `json:"unread_count"`
}

func (w conversationWire) toConversation(me ID) Conversation {
	c := Conversation{
		ID:          w.ID,
		Listing:     w.Listing,
		LastMessage: w.LastMessage,
		UnreadCount: w.UnreadCount,
	}
	if w.OtherParticipant != nil {
		c.Peer = *w.OtherParticipant
	} else {
		for _, p := range w.Participants {
			if p.ID != me {
				c.Peer = p
				break
			}
		}
	}
	if c.Listing != nil && c.Listing.Title == "" {
		c.Listing.Title = w.ListingTitle
	}
	return normalizeUnread(c, me)
}

// normalizeUnread enforces: unread is never negative, and is zero whenever
// the last message was sent by the current user.
func normalizeUnread(c Conversation, me ID) Conversation {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.LastMessage != nil && c.LastMessage.SenderID == me {
		c.UnreadCount = 0
	}
	return c
}

// Profile is the subset of a marketplace profile used for display names.
type Profile struct {
	ProfileID ID     `json:"profile_id"`
	UserID    ID     `json:"user_id"`
	FullName  string `json:"full_name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

// Listing is the subset of a listing used to label a conversation.
type Listing struct {
	ListingID ID     `json:"listing_id"`
	Title     string `json:"title"`
}

// ============================================================================
// Transport frames
// ============================================================================

const (
	FrameMessageNew    = "message.new"
	FrameReadBroadcast = "read.broadcast"
	FrameMessageSend   = "message.send"
	FrameReadUpdate    = "read.update"
)

// inboundFrame is the union of the frames the server pushes.
type inboundFrame struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
	MessageID ID              `json:"message_id,omitempty"`
	ReaderID  ID              `json:"reader_id,omitempty"`
}

// OutboundFrame is a client-to-server frame.
type OutboundFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID ID     `json:"message_id,omitempty"`
}

// ReadReceipt is a read.broadcast scoped to the conversation it arrived on.
type ReadReceipt struct {
	ConversationID ID
	MessageID      ID
	ReaderID       ID
}

// ReadCursor is the newest message the local user has acknowledged.
type ReadCursor struct {
	MessageID ID
	At        time.Time
}
