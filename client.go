// Package chatsync is the real-time chat synchronization engine for the
// marketplace client.
//
// It keeps a live WebSocket scoped to the active conversation, merges that
// feed with paginated REST history, tracks read state in both directions and
// keeps the conversation list current.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://market.example.edu"))
//	sess, _ := chatsync.NewSession(client, chatsync.SessionConfig{})
//	defer sess.CloseChat()
//
//	sess.Open(ctx)
//	sess.SelectConversation(ctx, sess.Conversations()[0].ID)
//	sess.SendMessage(ctx, "Is this still available?")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	DefaultBaseURL     = "http://localhost:8000"
	DefaultTimeout     = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second

	apiPrefix = "/api/v1"
)

// ============================================================================
// Backend contracts
// ============================================================================

// ChatAPI is the REST surface the engine consumes.
type ChatAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID ID, q PageQuery) (*MessagePage, error)
	SendMessage(ctx context.Context, conversationID ID, text, clientID string) (*Message, error)
	MarkRead(ctx context.Context, conversationID, messageID ID) error
}

// Dialer opens the live transport for one conversation.
type Dialer interface {
	DialConversation(ctx context.Context, conversationID ID) (*websocket.Conn, error)
}

// Backend is everything a Session needs from the server side.
type Backend interface {
	ChatAPI
	Dialer
}

// Enricher resolves display metadata for the conversation list. Optional:
// a Backend that also implements it gets peer names and listing titles
// filled in.
type Enricher interface {
	GetProfile(ctx context.Context, lookup string) (*Profile, error)
	GetListing(ctx context.Context, listingID ID) (*Listing, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API and dials the chat WebSocket.
type Client struct {
	token      string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	userID     ID
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithWSBaseURL overrides the WebSocket origin when it differs from the API.
func WithWSBaseURL(u string) ClientOption {
	return func(c *Client) { c.wsBaseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithUserID pins the current user id instead of reading it from the token.
func WithUserID(id ID) ClientOption {
	return func(c *Client) { c.userID = id }
}

// NewClient creates a client authenticated with an opaque bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the credential used by subsequent requests and dials.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current credential.
func (c *Client) Token() string {
	return c.token
}

// UserID returns the pinned user id, or the one carried by the token.
func (c *Client) UserID() (ID, error) {
	if c.userID != "" {
		return c.userID, nil
	}
	return UserIDFromToken(c.token)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func conversationPath(conversationID ID, action string) string {
	return "/chat/conversations/" + url.PathEscape(string(conversationID)) + "/" + action + "/"
}

// ============================================================================
// Chat API Methods
// ============================================================================

// ListConversations fetches every conversation the user belongs to.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	me, _ := c.UserID()
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/conversations/", nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeJSON[[]conversationWire](data)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(*items))
	for _, w := range *items {
		out = append(out, w.toConversation(me))
	}
	return out, nil
}

// GetMessages fetches one history window.
func (c *Client) GetMessages(ctx context.Context, conversationID ID, q PageQuery) (*MessagePage, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before != "" {
		query.Set("before", q.Before)
	}
	if q.After != "" {
		query.Set("after", string(q.After))
	}
	data, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, query)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[MessagePage](data)
	if err != nil {
		return nil, err
	}
	for i := range page.Results {
		if page.Results[i].ConversationID == "" {
			page.Results[i].ConversationID = conversationID
		}
	}
	return page, nil
}

// SendMessage is the durable send path. It returns the authoritative record.
func (c *Client) SendMessage(ctx context.Context, conversationID ID, text, clientID string) (*Message, error) {
	payload := map[string]string{"text": text}
	if clientID != "" {
		payload["client_id"] = clientID
	}
	data, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "send"), payload, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	return msg, nil
}

// MarkRead advances the server-side read pointer to messageID.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID ID) error {
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "read"),
		map[string]ID{"message_id": messageID}, nil)
	return err
}

// CreateDirect opens (or fetches) the direct conversation with a peer.
func (c *Client) CreateDirect(ctx context.Context, peerID ID) (*Conversation, error) {
	me, _ := c.UserID()
	data, err := c.doRequest(ctx, http.MethodPost, "/chat/conversations/direct/",
		map[string]ID{"peer_id": peerID}, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[conversationWire](data)
	if err != nil {
		return nil, err
	}
	conv := w.toConversation(me)
	return &conv, nil
}

// GetProfile looks a profile up by profile id or username.
func (c *Client) GetProfile(ctx context.Context, lookup string) (*Profile, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/profiles/"+url.PathEscape(lookup)+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Profile](data)
}

// GetListing fetches a listing.
func (c *Client) GetListing(ctx context.Context, listingID ID) (*Listing, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/listings/"+url.PathEscape(string(listingID))+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Listing](data)
}

// ============================================================================
// Realtime
// ============================================================================

// WSURL returns the chat WebSocket URL for a conversation.
func (c *Client) WSURL(conversationID ID) string {
	base := c.wsBaseURL
	if base == "" {
		base = strings.Replace(c.baseURL, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
	}
	u := base + "/ws/chat/" + url.PathEscape(string(conversationID)) + "/"
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

// DialConversation opens the transport. A handshake refused with 401/403 is
// reported as ErrAuthRejected.
func (c *Client) DialConversation(ctx context.Context, conversationID ID) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.WSURL(conversationID), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial: %w (HTTP %d)", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}
