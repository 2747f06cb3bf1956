package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/gcivil-nyu-org/team3-mon-fall25-sub001"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "marketplace API origin (default "+chatsync.DefaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the chat token in ~/.marketchat/config.toml",
	Long:  "Initialize marketchat by storing your access token. The user id and expiry are read from the token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = ""
		cfg.Auth.TokenExpires = ""
		if id, err := chatsync.UserIDFromToken(token); err == nil {
			cfg.Auth.UserID = string(id)
		} else {
			fmt.Printf("Warning: could not read user id from token (%v); set auth.user_id manually.\n", err)
		}
		if exp, err := chatsync.TokenExpiry(token); err == nil && !exp.IsZero() {
			cfg.Auth.TokenExpires = exp.UTC().Format(time.RFC3339)
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID: %s\n", cfg.Auth.UserID)
		}
		return nil
	},
}
