package cli

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabsync/internal/config"
	"github.com/neboloop/tabsync/internal/hub"
	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/middleware"
	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/server"
)

const testConfig = `
hub:
  channels: [panel, agent]
auth:
  jwtSecret: cli-secret
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		cfgFile, baseURL, token, discover, verbose = "", "", "", false, false
	})
	cmd := SetupRootCmd([]byte(testConfig))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseCall(t *testing.T) {
	c, err := parseCall("increment")
	require.NoError(t, err)
	assert.Equal(t, "increment", c.name)
	assert.Equal(t, 0, c.args.Len())

	c, err = parseCall(`startRecording=["g1",3]`)
	require.NoError(t, err)
	assert.True(t, c.args.Equal(protocol.Args{[]byte(`"g1"`), []byte(`3`)}))

	_, err = parseCall(`=[1]`)
	assert.Error(t, err)
	_, err = parseCall(`recordStep={"selector":"#a"}`)
	assert.ErrorContains(t, err, "JSON array")
}

func TestTokenCmd(t *testing.T) {
	out, err := run(t, "token", "panel-42", "--ttl", "1m")
	require.NoError(t, err)

	claims, err := middleware.ValidateJWT(strings.TrimSpace(out), "cli-secret")
	require.NoError(t, err)
	assert.Equal(t, "panel-42", claims.Subject)
	assert.NotNil(t, claims.ExpiresAt)
}

func TestPortsCmdJSON(t *testing.T) {
	h, err := hub.New(hub.Config{Channels: []string{"panel"}, Fallback: hub.NoopOwner{}})
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(h, nil, server.Options{JWTSecret: "cli-secret"}).Handler())
	defer srv.Close()

	out, err := run(t, "ports", "--json", "--url", srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":0,"connections":[]}`, out)
}

func TestPortsCmdUnauthorized(t *testing.T) {
	h, err := hub.New(hub.Config{Channels: []string{"panel"}, Fallback: hub.NoopOwner{}})
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(h, nil, server.Options{JWTSecret: "other"}).Handler())
	defer srv.Close()

	_, err = run(t, "ports", "--url", srv.URL)
	assert.ErrorContains(t, err, "401")
}

func TestClientRequiresChannel(t *testing.T) {
	_, err := run(t, "client", "--url", "http://127.0.0.1:1")
	assert.ErrorContains(t, err, "--channel is required")
}

type reloadRecorder struct {
	rate    float64
	burst   int
	origins []string
}

func (r *reloadRecorder) SetAcceptRate(perSecond float64, burst int) {
	r.rate, r.burst = perSecond, burst
}

func (r *reloadRecorder) SetAllowedOrigins(origins []string) { r.origins = origins }

func TestApplyReload(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel("info") })
	cur, err := config.LoadFromBytes([]byte(testConfig))
	require.NoError(t, err)
	next, err := config.LoadFromBytes([]byte(testConfig + "log:\n  level: warn\nserver:\n  acceptRate: 4\n  allowedOrigins: [chrome-extension://abc]\n"))
	require.NoError(t, err)

	var rec reloadRecorder
	applyReload(&rec, &cur, &next)
	assert.Equal(t, slog.LevelWarn, logging.Level())
	assert.Equal(t, 4.0, rec.rate)
	assert.Equal(t, 4, rec.burst)
	assert.Equal(t, []string{"chrome-extension://abc"}, rec.origins)

	verbose = true
	t.Cleanup(func() { verbose = false })
	applyReload(&rec, &next, &next)
	assert.Equal(t, slog.LevelDebug, logging.Level())
}
