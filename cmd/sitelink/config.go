package main

import (
	"fmt"

	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Sitelink configuration",
	Long:  "View the effective configuration or change values stored in ~/.sitelink/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after defaults, the config file and SITELINK_* environment overrides are merged.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, _ := configPath()
		fmt.Println(dimStyle.Render("# " + path))
		printConfig(cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file using dot notation.\n" +
		"Environment overrides are not written to the file.\n" +
		"Example: sitelink config set push.app contractor",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		doc, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(doc, key, value); err != nil {
			return err
		}
		if err := saveConfigFile(doc); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func printConfig(cfg *sitelink.Config) {
	token := "(none)"
	if cfg.Auth.Token != "" {
		token = maskToken(cfg.Auth.Token)
	}

	fmt.Println(headerStyle.Render("[default]"))
	fmt.Printf("  environment = %s\n", cfg.Default.Environment)
	fmt.Printf("  base_url    = %s\n", cfg.BaseURL())
	fmt.Printf("  timeout     = %s\n", cfg.Default.Timeout)
	fmt.Printf("  log_level   = %s\n", cfg.LogLevel())

	fmt.Println(headerStyle.Render("[auth]"))
	fmt.Printf("  token         = %s\n", token)
	fmt.Printf("  user_id       = %s\n", valueOrDefault(cfg.Auth.UserID, "(none)"))
	fmt.Printf("  email         = %s\n", valueOrDefault(cfg.Auth.Email, "(none)"))
	fmt.Printf("  token_expires = %s\n", valueOrDefault(cfg.Auth.TokenExpires, "(none)"))

	fmt.Println(headerStyle.Render("[realtime]"))
	fmt.Printf("  reconnect              = %t\n", cfg.Realtime.Reconnect)
	fmt.Printf("  max_reconnect_attempts = %d\n", cfg.Realtime.MaxReconnectAttempts)
	fmt.Printf("  reconnect_base_delay   = %s\n", cfg.Realtime.ReconnectBaseDelay)
	fmt.Printf("  reconnect_max_delay    = %s\n", cfg.Realtime.ReconnectMaxDelay)
	fmt.Printf("  heartbeat_interval     = %s\n", cfg.Realtime.HeartbeatInterval)

	fmt.Println(headerStyle.Render("[cache]"))
	fmt.Printf("  stale_time = %s\n", cfg.Cache.StaleTime)

	fmt.Println(headerStyle.Render("[push]"))
	fmt.Printf("  app          = %s\n", valueOrDefault(cfg.Push.App, "(none)"))
	fmt.Printf("  platform     = %s\n", valueOrDefault(cfg.Push.Platform, "(none)"))
	fmt.Printf("  device_token = %s\n", valueOrDefault(cfg.Push.DeviceToken, "(none)"))
	fmt.Printf("  timeout      = %s\n", cfg.Push.Timeout)
}
