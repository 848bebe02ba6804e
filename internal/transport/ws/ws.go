package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/transport"
)

// ScopeHeader carries the sender's scope id when the query parameter is not used.
const ScopeHeader = "X-Tabsync-Scope"

// Upgrader turns HTTP requests into coordinator-side handles.
type Upgrader struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	origins  atomic.Pointer[[]string]
}

// NewUpgrader creates an upgrader. An empty allow list accepts any origin,
// including browser extensions.
func NewUpgrader(allowedOrigins []string) *Upgrader {
	u := &Upgrader{logger: logging.Logger().With("component", "ws")}
	u.SetAllowedOrigins(allowedOrigins)
	u.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     u.checkOrigin,
	}
	return u
}

// SetAllowedOrigins replaces the origin allow list for later handshakes.
func (u *Upgrader) SetAllowedOrigins(allowed []string) {
	cp := append([]string(nil), allowed...)
	u.origins.Store(&cp)
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	return originAllowed(*u.origins.Load(), r.Header.Get("Origin"))
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == origin || (strings.HasSuffix(a, "*") && strings.HasPrefix(origin, strings.TrimSuffix(a, "*"))) {
			return true
		}
	}
	return false
}

// SenderFromRequest reads the host-supplied sender metadata of a connect request.
func SenderFromRequest(r *http.Request) transport.Sender {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = r.Header.Get(ScopeHeader)
	}
	return transport.Sender{ScopeID: scope, Origin: r.Header.Get("Origin")}
}

// Upgrade completes the websocket handshake and returns a handle named name.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, name string) (transport.Handle, error) {
	wsConn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade %s: %w", name, err)
	}
	return newConn(wsConn, name, SenderFromRequest(r), u.logger), nil
}

// Dialer opens client handles against a coordinator's connect endpoint.
type Dialer struct {
	// BaseURL is the coordinator address, e.g. ws://localhost:7420.
	BaseURL string
	// ScopeID is presented as sender metadata when set.
	ScopeID string
	// Token is sent as a bearer token when set.
	Token  string
	Header http.Header

	dialer *websocket.Dialer
}

// NewDialer creates a dialer for baseURL. http and https schemes are mapped
// to ws and wss.
func NewDialer(baseURL string) *Dialer {
	return &Dialer{BaseURL: baseURL, dialer: websocket.DefaultDialer}
}

// URL returns the connect URL for a connection name.
func (d *Dialer) URL(name string) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	raw := strings.TrimSuffix(u.EscapedPath(), "/") + "/connect/" + url.PathEscape(name)
	if u.Path, err = url.PathUnescape(raw); err != nil {
		return "", err
	}
	u.RawPath = raw
	if d.ScopeID != "" {
		q := u.Query()
		q.Set("scope", d.ScopeID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open implements transport.Dialer.
func (d *Dialer) Open(ctx context.Context, name string) (transport.Handle, error) {
	target, err := d.URL(name)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := d.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wsConn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", name, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	return newConn(wsConn, name, transport.Sender{}, logging.Logger().With("component", "ws")), nil
}
