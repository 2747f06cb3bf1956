package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/gcivil-nyu-org/team3-mon-fall25-sub001"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live chat status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		if cfg.Default.WSBaseURL != "" {
			fmt.Printf("  WS URL:      %s\n", cfg.Default.WSBaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			if errors.Is(err, chatsync.ErrAuthRejected) {
				fmt.Println("  Token rejected by the server. Run 'marketchat init <token>' with a fresh token.")
				return nil
			}
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// tokenStatus describes a token's expiry relative to now.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, err := chatsync.TokenExpiry(token)
	switch {
	case err != nil:
		return "present (not a JWT, expiry unknown)"
	case exp.IsZero():
		return "present (no expiry set)"
	case now.Before(exp):
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	default:
		return fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
	}
}
