package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

var (
	notifListJSON bool

	notifSendKind  string
	notifSendTitle string
	notifSendBody  string
	notifSendData  string
)

func init() {
	notificationsListCmd.Flags().BoolVar(&notifListJSON, "json", false, "Output raw JSON")
	notificationsSendCmd.Flags().StringVar(&notifSendKind, "kind", "", "Notification kind (e.g. bid.received)")
	notificationsSendCmd.Flags().StringVar(&notifSendTitle, "title", "", "Notification title")
	notificationsSendCmd.Flags().StringVar(&notifSendBody, "body", "", "Notification body")
	notificationsSendCmd.Flags().StringVar(&notifSendData, "data", "", "JSON payload")
	_ = notificationsSendCmd.MarkFlagRequired("kind")
	_ = notificationsSendCmd.MarkFlagRequired("title")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsSendCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "List, read and send notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Notifications.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notifListJSON {
			b, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("%d notifications (%d unread)", len(list.Items), list.Unread)))
		for _, n := range list.Items {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %s\n", marker, dimStyle.Render(n.ID), kindStyle.Render(n.Kind), n.Title)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [id]",
	Short: "Mark one notification, or all of them, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if len(args) == 0 {
			if err := client.Notifications.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked as read.")
			return nil
		}
		if _, err := client.Notifications.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %s as read.\n", args[0])
		return nil
	},
}

var notificationsSendCmd = &cobra.Command{
	Use:   "send <user-id>",
	Short: "Send a notification to a user (admin only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireClient()
		if err != nil {
			return err
		}
		req := sitelink.NotificationRequest{
			UserID: args[0],
			Kind:   notifSendKind,
			Title:  notifSendTitle,
			Body:   notifSendBody,
		}
		if notifSendData != "" {
			if !json.Valid([]byte(notifSendData)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			req.Data = json.RawMessage(notifSendData)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := client.Notifications.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Sent %s to %s\n", n.ID, n.UserID)
		return nil
	},
}
