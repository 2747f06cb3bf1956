package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/gcivil-nyu-org/team3-mon-fall25-sub001"
	"github.com/gcivil-nyu-org/team3-mon-fall25-sub001/internal/metrics"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyPages int
	historyJSON  bool

	// send
	sendJSON bool

	// tail
	tailMetricsAddr string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of history pages to fetch (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output the confirmed message as JSON")

	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, tailCmd, openCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		sess, err := newSession(client)
		if err != nil {
			return err
		}
		defer sess.CloseChat()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := sess.Open(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		var convs []chatsync.Conversation
		for _, c := range sess.Conversations() {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			convs = append(convs, c)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		client, _, err := getClient()
		if err != nil {
			return err
		}
		me, _ := client.UserID()
		store := chatsync.NewMessageStore(client, chatsync.DefaultPageSize, logger)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := store.LoadInitialPage(ctx, id); err != nil {
			return err
		}
		for page := 1; historyPages == 0 || page < historyPages; page++ {
			fetched, err := store.LoadOlder(ctx, id)
			if err != nil {
				return err
			}
			if !fetched {
				break
			}
		}

		msgs := store.Messages(id)
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, me, "peer"))
		}
		if store.HasMore(id) {
			fmt.Println("(older messages available: use --pages)")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, text := chatsync.ID(args[0]), args[1]
		client, _, err := getClient()
		if err != nil {
			return err
		}
		sess, err := newSession(client)
		if err != nil {
			return err
		}
		defer sess.CloseChat()

		ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
		defer cancel()

		if err := sess.SelectConversation(ctx, id); err != nil {
			return err
		}
		msg, err := sess.SendMessage(ctx, text)
		if err != nil {
			return err
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", id)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Text:       %s\n", msg.Text)
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Print a conversation's recent history, then every new message as it arrives. Reconnects automatically; Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		client, _, err := getClient()
		if err != nil {
			return err
		}
		sess, err := newSession(client)
		if err != nil {
			return err
		}
		defer sess.CloseChat()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
		}

		peer := "peer"
		if err := sess.Open(ctx); err == nil {
			for _, c := range sess.Conversations() {
				if c.ID == id {
					peer = c.PeerName()
				}
			}
		}

		authErr := make(chan error, 1)
		printed := make(map[chatsync.ID]bool)
		newLines := make(chan chatsync.ID, 16)

		sess.OnMessagesChanged(func(cid chatsync.ID) {
			if cid == id {
				select {
				case newLines <- cid:
				default:
				}
			}
		})
		sess.OnConnectionState(func(ev chatsync.ConnectionStateEvent) {
			fmt.Fprintf(os.Stderr, "-- %s\n", ev.State)
		})
		sess.OnAuthRequired(func(err error) {
			select {
			case authErr <- err:
			default:
			}
		})

		if err := sess.SelectConversation(ctx, id); err != nil {
			return err
		}

		flush := func() {
			for _, m := range sess.Messages() {
				if m.Pending || printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				fmt.Println(formatMessage(m, sess.UserID(), peer))
			}
		}
		flush()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-authErr:
				return fmt.Errorf("connection refused, re-run 'marketchat init' with a fresh token: %w", err)
			case <-newLines:
				flush()
			}
		}
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open (or find) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		conv, err := client.CreateDirect(ctx, chatsync.ID(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.PeerName())
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
