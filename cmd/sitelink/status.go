package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the session token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println(headerStyle.Render("Configuration:"))
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  API:         %s\n", cfg.BaseURL())
		if cfg.Push.App != "" {
			fmt.Printf("  Push app:    %s\n", cfg.Push.App)
		}

		fmt.Println()
		fmt.Println(headerStyle.Render("Auth:"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not signed in)")
			return nil
		}
		fmt.Printf("  Email:       %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		client := newClient(cfg)
		switch id := client.Session().Identity(); {
		case id.ExpiresAt.IsZero():
			fmt.Println("  Expiry:      (no expiry in token)")
		case client.Session().Expired(time.Now()):
			fmt.Println("  Expiry:      " + errorStyle.Render("EXPIRED "+id.ExpiresAt.Format(time.RFC3339)))
		default:
			fmt.Println("  Expiry:      " + okStyle.Render("valid until "+id.ExpiresAt.Format(time.RFC3339)))
		}

		fmt.Println()
		fmt.Println(headerStyle.Render("Live status:"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		unread, err := client.Notifications.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:   %s\n", me.FullName)
		fmt.Printf("  Role:   %s\n", valueOrDefault(me.Role, "(none)"))
		fmt.Printf("  Unread: %d\n", unread)
		return nil
	},
}
