package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url|environment>",
	Short: "Point the CLI at a Sitelink API",
	Long:  "Initialize the Sitelink CLI with an API base URL (e.g. http://localhost:8787) or an environment name (production, staging, local).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]

		doc, err := readConfigFile()
		if err != nil {
			return err
		}

		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			doc.section("default")["base_url"] = strings.TrimRight(target, "/")
		} else {
			if _, ok := sitelink.BaseURLFor(sitelink.Environment(target)); !ok {
				return fmt.Errorf("unknown environment %q (valid: production, staging, local)", target)
			}
			doc.section("default")["environment"] = target
			doc.unset("default", "base_url")
		}

		if err := saveConfigFile(doc); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, _ := configPath()
		fmt.Printf("API %s saved to %s\n", cfg.BaseURL(), path)
		return nil
	},
}
