package sitelink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL())
	assert.Equal(t, DefaultTimeout, cfg.Default.Timeout)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.True(t, cfg.Realtime.Reconnect)
	assert.Equal(t, 10, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, 15*time.Second, cfg.Push.Timeout)

	rc := cfg.RealtimeConfig()
	assert.False(t, rc.NoReconnect)
	assert.Equal(t, 25*time.Second, rc.HeartbeatInterval)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[default]
environment = "staging"
timeout = "45s"
log_level = "debug"

[auth]
token = "tok"
user_id = "usr_1"

[realtime]
reconnect = false
reconnect_base_delay = "2s"

[cache]
stale_time = "1m"

[push]
app = "contractor"
platform = "android"
device_token = "ExponentPushToken[x]"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://staging-api.sitelink.build", cfg.BaseURL())
	assert.Equal(t, 45*time.Second, cfg.Default.Timeout)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.Equal(t, "tok", cfg.Auth.Token)
	assert.Equal(t, time.Minute, cfg.Cache.StaleTime)
	assert.Equal(t, "contractor", cfg.Push.App)

	rc := cfg.RealtimeConfig()
	assert.True(t, rc.NoReconnect)
	assert.Equal(t, 2*time.Second, rc.ReconnectBaseDelay)
	assert.Len(t, cfg.ClientOptions(), 2)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "[default]\nbase_url = \"https://file.example\"\n")
	t.Setenv("SITELINK_DEFAULT_BASE_URL", "http://localhost:8787/")
	t.Setenv("SITELINK_AUTH_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787", cfg.BaseURL())
	assert.Equal(t, "from-env", cfg.Auth.Token)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown environment", "[default]\nenvironment = \"mars\"\n"},
		{"bad base url", "[default]\nbase_url = \"ftp://x\"\n"},
		{"bad app", "[push]\napp = \"admin\"\n"},
		{"bad log level", "[default]\nlog_level = \"loud\"\n"},
		{"bad toml", "[default\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv("SITELINK_PUSH_APP", "homeowner")

	cfg, err := ParseConfig([]byte("[cache]\nstale_time = \"5s\"\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Cache.StaleTime)
	assert.Equal(t, "homeowner", cfg.Push.App)
	assert.Equal(t, DefaultTimeout, cfg.Default.Timeout)

	_, err = ParseConfig([]byte("[push]\napp = \"admin\"\n"))
	assert.Error(t, err)
}
