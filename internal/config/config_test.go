package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFile(t *testing.T) {
	t.Setenv("TABSYNC_JWT_SECRET", "from-env")
	t.Setenv("TABSYNC_HOST", "")
	t.Setenv("TABSYNC_LOG_LEVEL", "")

	data, err := os.ReadFile(filepath.Join("..", "..", "etc", "tabsync.yaml"))
	require.NoError(t, err)
	c, err := LoadFromBytes(data)
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.Auth.JWTSecret)
	assert.Equal(t, 24*time.Hour, c.Auth.TokenTTL)
	assert.Equal(t, []string{"panel", "agent", "control-panel"}, c.Hub.Channels)
	assert.True(t, c.Hub.KeepState)
	assert.Equal(t, 10*time.Minute, c.Hub.PageTTL)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, ":7420", c.Addr())
	assert.Equal(t, "http://localhost:7420", c.BaseURL())
	assert.Equal(t, 100*time.Millisecond, c.Client.BackoffInitial)
	assert.Empty(t, c.Server.AllowedOrigins)
}

func TestDefaults(t *testing.T) {
	c, err := LoadFromBytes([]byte("hub:\n  channels: [panel, ' ', agent]\nserver:\n  acceptRate: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 7420, c.Server.Port)
	assert.Equal(t, 5, c.Server.AcceptBurst)
	assert.Equal(t, []string{"panel", "agent"}, c.Hub.Channels)
	assert.Equal(t, "text", c.Log.Format)
	assert.Equal(t, 256, c.Client.QueueSize)
	assert.Equal(t, 10*time.Second, c.Client.BackoffMax)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no channels", "server:\n  port: 80\n", "hub.channels is empty"},
		{"reserved channel", "hub:\n  channels: [global]\n", `invalid channel "global"`},
		{"hash channel", "hub:\n  channels: ['a#b']\n", `invalid channel "a#b"`},
		{"port", "hub:\n  channels: [panel]\nserver:\n  port: 70000\n", "server.port 70000 out of range"},
		{"level", "hub:\n  channels: [panel]\nlog:\n  level: loud\n", `log.level "loud" unknown`},
		{"format", "hub:\n  channels: [panel]\nlog:\n  format: xml\n", `log.format "xml" unknown`},
		{"backoff", "hub:\n  channels: [panel]\nclient:\n  backoffInitial: 5s\n  backoffMax: 1s\n", "client.backoffMax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseError(t *testing.T) {
	_, err := LoadFromBytes([]byte("hub: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  channels: [panel]\nserver:\n  host: 127.0.0.1\n  port: 9000\nclient:\n  url: http://box:9000/\n"), 0o600))

	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.Addr())
	assert.Equal(t, "http://box:9000", c.BaseURL())

	fallback, err := Load("", []byte("hub:\n  channels: [agent]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"agent"}, fallback.Hub.Channels)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "read config")
}
