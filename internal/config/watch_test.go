package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabsync.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("hub:\n  channels: [panel]\nlog:\n  level: info\n")

	changes := make(chan Config, 64)
	errs := make(chan error, 64)
	drain := func() {
		time.Sleep(300 * time.Millisecond)
		for len(changes) > 0 {
			<-changes
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c Config) { changes <- c }, func(err error) { errs <- err })
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// the watcher registers asynchronously; rewrite until a reload is seen
	var got Config
	require.Eventually(t, func() bool {
		write("hub:\n  channels: [panel]\nlog:\n  level: debug\nserver:\n  acceptRate: 3\n  allowedOrigins: [chrome-extension://*]\n")
		select {
		case got = <-changes:
			return true
		case <-time.After(150 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", got.Log.Level)
	assert.Equal(t, 3.0, got.Server.AcceptRate)
	assert.Equal(t, []string{"chrome-extension://*"}, got.Server.AllowedOrigins)
	drain()

	write("hub:\n  channels: []\n")
	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "hub.channels is empty")
	case <-time.After(3 * time.Second):
		t.Fatal("invalid config not reported")
	}
	drain()

	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600))
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchMissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "tabsync.yaml"), func(Config) {}, func(error) {})
	assert.ErrorContains(t, err, "watch config dir")
}
