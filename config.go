package sitelink

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the effective SDK configuration: defaults, then the config file,
// then the environment. Every key can be overridden from the environment as
// SITELINK_<SECTION>_<KEY>, e.g. SITELINK_DEFAULT_BASE_URL.
type Config struct {
	Default  DefaultSettings  `mapstructure:"default"`
	Auth     AuthSettings     `mapstructure:"auth"`
	Realtime RealtimeSettings `mapstructure:"realtime"`
	Cache    CacheSettings    `mapstructure:"cache"`
	Push     PushSettings     `mapstructure:"push"`
}

// DefaultSettings holds general client settings.
type DefaultSettings struct {
	Environment string        `mapstructure:"environment"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LogLevel    string        `mapstructure:"log_level"`
}

// AuthSettings holds the persisted session.
type AuthSettings struct {
	Token        string `mapstructure:"token"`
	UserID       string `mapstructure:"user_id"`
	Email        string `mapstructure:"email"`
	TokenExpires string `mapstructure:"token_expires"`
}

// RealtimeSettings mirrors RealtimeConfig.
type RealtimeSettings struct {
	Reconnect            bool          `mapstructure:"reconnect"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

// CacheSettings mirrors CacheOptions.
type CacheSettings struct {
	StaleTime time.Duration `mapstructure:"stale_time"`
}

// PushSettings configures push token registration.
type PushSettings struct {
	App         string        `mapstructure:"app"`
	Platform    string        `mapstructure:"platform"`
	DeviceToken string        `mapstructure:"device_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func setConfigDefaults(v *viper.Viper) {
	// Default
	v.SetDefault("default.environment", string(Production))
	v.SetDefault("default.base_url", "")
	v.SetDefault("default.timeout", DefaultTimeout)
	v.SetDefault("default.log_level", "info")

	// Auth
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.email", "")
	v.SetDefault("auth.token_expires", "")

	// Realtime
	v.SetDefault("realtime.reconnect", true)
	v.SetDefault("realtime.max_reconnect_attempts", 10)
	v.SetDefault("realtime.reconnect_base_delay", time.Second)
	v.SetDefault("realtime.reconnect_max_delay", 30*time.Second)
	v.SetDefault("realtime.heartbeat_interval", 25*time.Second)

	// Cache
	v.SetDefault("cache.stale_time", time.Duration(0))

	// Push
	v.SetDefault("push.app", "")
	v.SetDefault("push.platform", "")
	v.SetDefault("push.device_token", "")
	v.SetDefault("push.timeout", 15*time.Second)
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("SITELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setConfigDefaults(v)
	return v
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the TOML file at path (if it exists) and applies
// environment overrides and defaults. An empty path loads defaults and
// environment only.
func LoadConfig(path string) (*Config, error) {
	v := newConfigViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file error: %w", err)
			}
		}
	}
	return decodeConfig(v)
}

// ParseConfig is LoadConfig for TOML held in memory.
func ParseConfig(data []byte) (*Config, error) {
	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config parse error: %w", err)
	}
	return decodeConfig(v)
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Default.BaseURL == "" {
		if _, ok := BaseURLFor(Environment(c.Default.Environment)); !ok {
			return fmt.Errorf("unknown environment %q and no base_url set", c.Default.Environment)
		}
	} else if !strings.HasPrefix(c.Default.BaseURL, "http://") && !strings.HasPrefix(c.Default.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", c.Default.BaseURL)
	}
	if c.Push.App != "" && !App(c.Push.App).Valid() {
		return fmt.Errorf("push.app must be %q or %q, got %q", AppHomeowner, AppContractor, c.Push.App)
	}
	if _, err := zerolog.ParseLevel(c.Default.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// BaseURL resolves the API base URL from base_url or the environment name.
func (c *Config) BaseURL() string {
	if c.Default.BaseURL != "" {
		return strings.TrimRight(c.Default.BaseURL, "/")
	}
	if u, ok := BaseURLFor(Environment(c.Default.Environment)); ok {
		return u
	}
	return DefaultBaseURL
}

// LogLevel returns the configured level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Default.LogLevel)
	if err != nil || c.Default.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// ClientOptions converts the config into REST client options.
func (c *Config) ClientOptions() []ClientOption {
	opts := []ClientOption{WithBaseURL(c.BaseURL())}
	if c.Default.Timeout > 0 {
		opts = append(opts, WithTimeout(c.Default.Timeout))
	}
	return opts
}

// RealtimeConfig converts the realtime section into a RealtimeConfig.
func (c *Config) RealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		NoReconnect:          !c.Realtime.Reconnect,
		MaxReconnectAttempts: c.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.Realtime.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.Realtime.ReconnectMaxDelay,
		HeartbeatInterval:    c.Realtime.HeartbeatInterval,
	}
}
