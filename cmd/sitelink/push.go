package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

var (
	pushApp         string
	pushDeviceToken string
	pushPlatform    string
)

func init() {
	pushRegisterCmd.Flags().StringVar(&pushApp, "app", "", "Application: homeowner or contractor (default push.app)")
	pushRegisterCmd.Flags().StringVar(&pushDeviceToken, "device-token", "", "Device push token (default push.device_token)")
	pushRegisterCmd.Flags().StringVar(&pushPlatform, "platform", "", "Device platform: ios or android (default push.platform)")
	pushCmd.AddCommand(pushRegisterCmd)
	pushCmd.AddCommand(pushUnregisterCmd)
	rootCmd.AddCommand(pushCmd)
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Manage this device's push token",
}

var pushRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a device push token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := requireClient()
		if err != nil {
			return err
		}
		app := sitelink.App(valueOrDefault(pushApp, cfg.Push.App))
		token := valueOrDefault(pushDeviceToken, cfg.Push.DeviceToken)
		platform := valueOrDefault(pushPlatform, cfg.Push.Platform)

		logger := client.Logger()
		results := make(chan sitelink.RegistrationResult, 1)
		registrar := sitelink.NewPushRegistrar(client.Devices, sitelink.StaticDeviceToken(token), sitelink.RegistrarOptions{
			App:      app,
			Platform: platform,
			Timeout:  cfg.Push.Timeout,
			OnResult: func(r sitelink.RegistrationResult) { results <- r },
			Logger:   &logger,
			Metrics:  client.Metrics(),
		})
		registrar.Start(context.Background())
		registrar.Wait()

		res := <-results
		if !res.OK() {
			return res.Err
		}
		fmt.Println(okStyle.Render("Push token registered."))
		fmt.Printf("  App:    %s\n", res.App)
		fmt.Printf("  Token:  %s\n", maskToken(res.DeviceToken))
		return nil
	},
}

var pushUnregisterCmd = &cobra.Command{
	Use:   "unregister <device-token>",
	Short: "Remove a device push token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.Devices.UnregisterPushToken(ctx, args[0]); err != nil {
			return fmt.Errorf("unregister failed: %w", err)
		}
		fmt.Println("Push token removed.")
		return nil
	},
}
