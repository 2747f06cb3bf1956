package chatsync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultEnrichLimit  = 4
)

// ConversationLister is the slice of ChatAPI the list needs.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// ConversationList keeps the conversation summaries current from three
// producers: full refreshes, the fallback poll and live messages. All of
// them write through id-keyed merges.
type ConversationList struct {
	api         ConversationLister
	enricher    Enricher
	me          ID
	enrichLimit int
	logger      *slog.Logger

	mu     sync.RWMutex
	byID   map[ID]Conversation
	active ID

	cacheMu  sync.Mutex
	names    map[ID]string
	listings map[ID]string

	pollMu sync.Mutex
	poll   *poller
}

// NewConversationList creates a list for user me. enricher may be nil.
func NewConversationList(api ConversationLister, enricher Enricher, me ID, logger *slog.Logger) *ConversationList {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationList{
		api:         api,
		enricher:    enricher,
		me:          me,
		enrichLimit: DefaultEnrichLimit,
		logger:      logger.With("component", "conversations"),
		byID:        make(map[ID]Conversation),
		names:       make(map[ID]string),
		listings:    make(map[ID]string),
	}
}

// ── Full refresh ─────────────────────────────────────────

// Refresh fetches the full list, enriches it and replaces the held list. A
// failed fetch leaves the held list untouched.
func (l *ConversationList) Refresh(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	convs, err := l.api.ListConversations(ctx)
	if err != nil {
		l.logger.Warn("conversation list fetch failed", "error", err)
		return fmt.Errorf("list conversations: %w", err)
	}
	l.enrich(ctx, convs)

	l.mu.Lock()
	defer l.mu.Unlock()
	next := make(map[ID]Conversation, len(convs))
	for _, c := range convs {
		// A live update may have landed while the fetch was in flight.
		if prev, ok := l.byID[c.ID]; ok && newerLast(prev.LastMessage, c.LastMessage) {
			c.LastMessage = prev.LastMessage
			c.UnreadCount = prev.UnreadCount
		}
		if c.ID == l.active {
			c.UnreadCount = 0
		}
		next[c.ID] = normalizeUnread(c, l.me)
	}
	l.byID = next
	l.logger.Debug("conversation list refreshed", "count", len(next))
	return nil
}

// enrich fills in peer display names and listing titles. Lookups run
// concurrently and a failed lookup only leaves that field as it was.
func (l *ConversationList) enrich(ctx context.Context, convs []Conversation) {
	if l.enricher == nil || len(convs) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.enrichLimit)
	for i := range convs {
		c := &convs[i]
		g.Go(func() error {
			if c.Peer.FullName == "" && c.Peer.ID != "" {
				if name, ok := l.peerName(gctx, c.Peer); ok {
					c.Peer.FullName = name
				}
			}
			if c.Listing != nil && c.Listing.Title == "" && c.Listing.ID != "" {
				if title, ok := l.listingTitle(gctx, c.Listing.ID); ok {
					c.Listing.Title = title
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (l *ConversationList) peerName(ctx context.Context, p Participant) (string, bool) {
	l.cacheMu.Lock()
	name, ok := l.names[p.ID]
	l.cacheMu.Unlock()
	if ok {
		return name, name != ""
	}

	lookup := p.Username
	if lookup == "" {
		lookup = string(p.ID)
	}
	profile, err := l.enricher.GetProfile(ctx, lookup)
	if err != nil {
		l.logger.Debug("profile lookup failed", "peer_id", p.ID, "error", err)
		return "", false
	}
	name = profile.FullName
	if name == "" {
		name = profile.Username
	}
	l.cacheMu.Lock()
	l.names[p.ID] = name
	l.cacheMu.Unlock()
	return name, name != ""
}

func (l *ConversationList) listingTitle(ctx context.Context, id ID) (string, bool) {
	l.cacheMu.Lock()
	title, ok := l.listings[id]
	l.cacheMu.Unlock()
	if ok {
		return title, title != ""
	}
	listing, err := l.enricher.GetListing(ctx, id)
	if err != nil {
		l.logger.Debug("listing lookup failed", "listing_id", id, "error", err)
		return "", false
	}
	l.cacheMu.Lock()
	l.listings[id] = listing.Title
	l.cacheMu.Unlock()
	return listing.Title, listing.Title != ""
}

// ── Live updates ─────────────────────────────────────────

// SetActive records which conversation is being viewed; its unread count is
// held at zero.
func (l *ConversationList) SetActive(conversationID ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = conversationID
	if c, ok := l.byID[conversationID]; ok {
		c.UnreadCount = 0
		l.byID[conversationID] = c
	}
}

// ApplyMessage folds a message into its conversation's summary. isNew says
// whether the message store had not seen it before; only new peer messages
// newer than the current summary count as unread, and never for the active
// conversation. It reports false for a conversation not in the list.
func (l *ConversationList) ApplyMessage(msg Message, isNew bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.byID[msg.ConversationID]
	if !ok {
		return false
	}

	prev := c.LastMessage
	newer := prev == nil || (prev.ID != msg.ID && !msg.CreatedAt.Before(prev.CreatedAt))
	if prev == nil || !msg.CreatedAt.Before(prev.CreatedAt) {
		c.LastMessage = &LastMessage{
			ID:        msg.ID,
			Text:      msg.Text,
			SenderID:  msg.SenderID,
			CreatedAt: msg.CreatedAt,
		}
	}
	switch {
	case msg.ConversationID == l.active:
		c.UnreadCount = 0
	case isNew && newer && msg.SenderID != l.me:
		c.UnreadCount++
	}
	l.byID[c.ID] = normalizeUnread(c, l.me)
	return true
}

// Upsert adds or replaces one conversation, e.g. a newly opened direct chat.
func (l *ConversationList) Upsert(c Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.ID == l.active {
		c.UnreadCount = 0
	}
	l.byID[c.ID] = normalizeUnread(c, l.me)
}

// SetUnread overrides a conversation's unread count.
func (l *ConversationList) SetUnread(conversationID ID, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.byID[conversationID]
	if !ok {
		return
	}
	c.UnreadCount = n
	l.byID[conversationID] = normalizeUnread(c, l.me)
}

// ── Reads ────────────────────────────────────────────────

// Snapshot returns the list ordered by last activity, newest first.
func (l *ConversationList) Snapshot() []Conversation {
	l.mu.RLock()
	out := make([]Conversation, 0, len(l.byID))
	for _, c := range l.byID {
		out = append(out, copyConversation(c))
	}
	l.mu.RUnlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if c := b.lastActivity().Compare(a.lastActivity()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns one conversation.
func (l *ConversationList) Get(conversationID ID) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.byID[conversationID]
	return copyConversation(c), ok
}

// TotalUnread sums unread counts across the list.
func (l *ConversationList) TotalUnread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, c := range l.byID {
		n += c.UnreadCount
	}
	return n
}

// ── Fallback poll ────────────────────────────────────────

// StartPolling refreshes the list every interval until StopPolling. onTick
// runs after each successful refresh. Starting while already polling is a
// no-op.
func (l *ConversationList) StartPolling(ctx context.Context, interval time.Duration, onTick func()) {
	l.pollMu.Lock()
	defer l.pollMu.Unlock()
	if l.poll != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	l.poll = newPoller(interval, l.logger, func(ctx context.Context) {
		if err := l.Refresh(ctx); err != nil {
			metrics.PollCycles.WithLabelValues("error").Inc()
			return
		}
		metrics.PollCycles.WithLabelValues("ok").Inc()
		if onTick != nil {
			onTick()
		}
	})
	l.poll.Start(ctx)
}

// StopPolling stops the poll and waits for an in-flight cycle to finish.
func (l *ConversationList) StopPolling() {
	l.pollMu.Lock()
	p := l.poll
	l.poll = nil
	l.pollMu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Polling reports whether the fallback poll is running.
func (l *ConversationList) Polling() bool {
	l.pollMu.Lock()
	defer l.pollMu.Unlock()
	return l.poll != nil
}

// poller runs fn on a fixed interval. A poller is single use.
type poller struct {
	interval  time.Duration
	fn        func(ctx context.Context)
	log       *slog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func newPoller(interval time.Duration, log *slog.Logger, fn func(ctx context.Context)) *poller {
	return &poller{
		interval: interval,
		fn:       fn,
		log:      log,
		done:     make(chan struct{}),
	}
}

func (p *poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run(ctx)
		p.log.Debug("list poll started", "interval", p.interval)
	})
}

func (p *poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.log.Debug("list poll stopped")
	})
}

func (p *poller) run(ctx context.Context) {
	defer p.wg.Done()

	// Cancel an in-flight refresh as soon as Stop is called.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func newerLast(a, b *LastMessage) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func copyConversation(c Conversation) Conversation {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	if c.Listing != nil {
		lr := *c.Listing
		c.Listing = &lr
	}
	return c
}
