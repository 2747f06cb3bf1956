package main

import (
	"fmt"
	"strings"
	"time"

	chatsync "github.com/gcivil-nyu-org/team3-mon-fall25-sub001"
)

// getClient creates a chat client from the effective configuration.
func getClient() (*chatsync.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token: run 'marketchat init <token>' or set MARKETCHAT_TOKEN")
	}
	return newClient(cfg), cfg, nil
}

func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSBaseURL != "" {
		opts = append(opts, chatsync.WithWSBaseURL(cfg.Default.WSBaseURL))
	}
	if cfg.Auth.UserID != "" {
		opts = append(opts, chatsync.WithUserID(chatsync.ID(cfg.Auth.UserID)))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// newSession opens a session for commands that need the live engine.
func newSession(client *chatsync.Client) (*chatsync.Session, error) {
	return chatsync.NewSession(client, chatsync.SessionConfig{}, chatsync.WithLogger(logger))
}

// formatMessage renders one message line. Own messages show as "me".
func formatMessage(m chatsync.Message, me chatsync.ID, peer string) string {
	who := peer
	if m.SenderID == me {
		who = "me"
	}
	var flags []string
	switch {
	case m.Failed:
		flags = append(flags, "failed")
	case m.Pending:
		flags = append(flags, "sending")
	}
	if m.Read && m.SenderID == me {
		flags = append(flags, "read")
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.DateTime), who, m.Text)
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	return line
}

// formatConversation renders one conversation row.
func formatConversation(c chatsync.Conversation) string {
	title := c.PeerName()
	if c.Listing != nil && c.Listing.Title != "" {
		title += " · " + c.Listing.Title
	}
	last := ""
	if c.LastMessage != nil {
		last = truncate(c.LastMessage.Text, 40)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
	}
	return fmt.Sprintf("%-36s %s%s  %s", c.ID, title, unread, last)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// maskKey shows the first 8 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
