package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

var (
	profileFullName string
	profilePhone    string
	profileAvatar   string
)

func init() {
	profileUpdateCmd.Flags().StringVar(&profileFullName, "full-name", "", "New full name")
	profileUpdateCmd.Flags().StringVar(&profilePhone, "phone", "", "New phone number")
	profileUpdateCmd.Flags().StringVar(&profileAvatar, "avatar-url", "", "New avatar URL")
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileUpdateCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update the signed-in user's profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		printUser(me)
		return nil
	},
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update profile fields",
	Long:  "Update profile fields. Only flags that are given are changed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var update sitelink.ProfileUpdate
		if cmd.Flags().Changed("full-name") {
			update.FullName = sitelink.String(profileFullName)
		}
		if cmd.Flags().Changed("phone") {
			update.Phone = sitelink.String(profilePhone)
		}
		if cmd.Flags().Changed("avatar-url") {
			update.AvatarURL = sitelink.String(profileAvatar)
		}
		if update == (sitelink.ProfileUpdate{}) {
			return fmt.Errorf("nothing to update; pass --full-name, --phone or --avatar-url")
		}

		cfg, client, err := requireClient()
		if err != nil {
			return err
		}
		cache := sitelink.NewQueryCache(sitelink.CacheOptions{StaleTime: cfg.Cache.StaleTime})
		defer cache.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := sitelink.FetchQuery(ctx, cache, sitelink.CurrentUserKey, client.Users.Me); err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		user, err := sitelink.NewProfileUpdater(client.Users, cache).Update(ctx, update)
		if err != nil {
			return fmt.Errorf("update rejected: %w", err)
		}
		fmt.Println(okStyle.Render("Profile updated."))
		printUser(user)
		return nil
	},
}

func printUser(u sitelink.User) {
	fmt.Printf("  ID:     %s\n", u.ID)
	fmt.Printf("  Email:  %s\n", u.Email)
	fmt.Printf("  Name:   %s\n", u.FullName)
	fmt.Printf("  Phone:  %s\n", valueOrDefault(u.Phone, "(none)"))
	fmt.Printf("  Role:   %s\n", valueOrDefault(u.Role, "(none)"))
}
