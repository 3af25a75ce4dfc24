package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default $SITELINK_PASSWORD)")
	_ = loginCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		password := loginPassword
		if password == "" {
			password = os.Getenv("SITELINK_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("no password given; use --password or set SITELINK_PASSWORD")
		}

		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Auth.Login(ctx, loginEmail, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		doc, err := readConfigFile()
		if err != nil {
			return err
		}
		auth := doc.section("auth")
		auth["token"] = res.Token
		auth["user_id"] = res.User.ID
		auth["email"] = res.User.Email
		auth["token_expires"] = res.ExpiresAt
		if err := saveConfigFile(doc); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println(okStyle.Render("Signed in."))
		fmt.Printf("  User ID: %s\n", res.User.ID)
		fmt.Printf("  Name:    %s\n", res.User.FullName)
		fmt.Printf("  Role:    %s\n", valueOrDefault(res.User.Role, "(none)"))
		if res.ExpiresAt != "" {
			fmt.Printf("  Token expires: %s\n", res.ExpiresAt)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readConfigFile()
		if err != nil {
			return err
		}
		delete(doc, "auth")
		if err := saveConfigFile(doc); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
