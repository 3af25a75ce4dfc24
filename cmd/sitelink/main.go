package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

var (
	flagConfig   string
	flagLogLevel string
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.sitelink, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".sitelink")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file path, honouring --config.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file with environment overrides applied.
// A missing file yields the defaults.
func loadConfig() (*sitelink.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := sitelink.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Default.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// configFile is the raw TOML document on disk, section -> key -> value.
// Only keys written by the CLI live here; defaults and environment
// overrides are merged in by sitelink.LoadConfig and never written back.
type configFile map[string]any

type fieldKind int

const (
	kindString fieldKind = iota
	kindDuration
	kindBool
	kindInt
)

var configFields = map[string]map[string]fieldKind{
	"default": {
		"environment": kindString,
		"base_url":    kindString,
		"timeout":     kindDuration,
		"log_level":   kindString,
	},
	"auth": {
		"token":         kindString,
		"user_id":       kindString,
		"email":         kindString,
		"token_expires": kindString,
	},
	"realtime": {
		"reconnect":              kindBool,
		"max_reconnect_attempts": kindInt,
		"reconnect_base_delay":   kindDuration,
		"reconnect_max_delay":    kindDuration,
		"heartbeat_interval":     kindDuration,
	},
	"cache": {
		"stale_time": kindDuration,
	},
	"push": {
		"app":          kindString,
		"platform":     kindString,
		"device_token": kindString,
		"timeout":      kindDuration,
	},
}

// readConfigFile returns the config file as written. A missing file is an
// empty document.
func readConfigFile() (configFile, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return configFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	doc := configFile{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}
	return doc, nil
}

// section returns the named table of doc, creating it if needed.
func (doc configFile) section(name string) map[string]any {
	if t, ok := doc[name].(map[string]any); ok {
		return t
	}
	t := map[string]any{}
	doc[name] = t
	return t
}

// unset removes section.field, dropping the section once it is empty.
func (doc configFile) unset(name, field string) {
	t, ok := doc[name].(map[string]any)
	if !ok {
		return
	}
	delete(t, field)
	if len(t) == 0 {
		delete(doc, name)
	}
}

// saveConfigFile checks that doc still yields a valid configuration once
// defaults and environment are merged in, then writes it.
func saveConfigFile(doc configFile) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if _, err := sitelink.ParseConfig(data); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field in doc using dot notation (e.g.
// "default.base_url"). Durations are stored in their string form.
func setConfigValue(doc configFile, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	name, field := parts[0], parts[1]

	fields, ok := configFields[name]
	if !ok {
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, cache, push)", name)
	}
	kind, ok := fields[field]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, name)
	}

	var v any
	switch kind {
	case kindString:
		v = value
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		v = d.String()
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		v = b
	case kindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		v = n
	}
	doc.section(name)[field] = v
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "sitelink",
	Short:         "Sitelink SDK CLI",
	Long:          "Command-line interface for the Sitelink SDK.\nSign in, watch realtime notifications, register push tokens and run a local dev backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.sitelink/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
