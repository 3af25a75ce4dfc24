package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	kindStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// cliLogger returns the stderr logger at the configured level.
func cliLogger(cfg *sitelink.Config) zerolog.Logger {
	return sitelink.DefaultLogger(cfg.LogLevel())
}

// newClient builds a REST client from cfg, seeded with the stored token.
func newClient(cfg *sitelink.Config) *sitelink.Client {
	opts := cfg.ClientOptions()
	opts = append(opts, sitelink.WithLogger(cliLogger(cfg)))
	return sitelink.NewClient(sitelink.NewSession(cfg.Auth.Token), opts...)
}

// requireClient is newClient for commands that need a signed-in session.
func requireClient() (*sitelink.Config, *sitelink.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("not signed in; run 'sitelink login' first")
	}
	return cfg, newClient(cfg), nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
