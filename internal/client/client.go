// Package client keeps a page-scoped connection to the coordinator open
// forever and binds replicated stores to it.
//
// The connection cycles Connecting -> Open -> Closed -> Connecting until
// Stop. Every close or failed open bumps the reconnect counter; the counter
// goes back to zero when the coordinator sends an init snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/store"
	"github.com/neboloop/tabsync/internal/transport"
)

// State is the lifecycle state of the connection.
type State int

const (
	Connecting State = iota
	Open
	Closed
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Identity selects how connection names are chosen across reconnects.
type Identity int

const (
	// Stable reconnects under the same name every time.
	Stable Identity = iota
	// Anonymous appends a fresh instance id on every open.
	Anonymous
)

// DefaultQueueSize bounds the messages held while the connection is not open.
const DefaultQueueSize = 256

// Config identifies the client.
type Config struct {
	Channel  string
	ScopeID  string
	Identity Identity
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBackOff sets the delay policy between connection attempts. Returning
// backoff.Stop ends the client.
func WithBackOff(b backoff.BackOff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithQueueSize bounds the pending-send queue.
func WithQueueSize(n int) Option {
	return func(c *Client) { c.queueSize = n }
}

// WithErrorHandler receives errors that have no caller to return to.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// OnStateChange registers a callback invoked on every state transition.
func OnStateChange(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// DefaultBackOff retries forever with exponential delays capped at ten seconds.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Client is one page-scoped connection plus the stores bound to it.
type Client struct {
	dialer    transport.Dialer
	cfg       Config
	backoff   backoff.BackOff
	queueSize int
	logger    *slog.Logger
	onError   func(error)
	onState   func(State)

	mu         sync.Mutex
	state      State
	handle     transport.Handle
	name       string
	queue      [][]byte
	reconnects int
	opens      int
	stopped    bool

	// expectInits counts snapshots still due on the current connection;
	// dirty marks actions sent before the last of them arrived.
	expectInits int
	dirty       bool

	replicas map[string]store.Replica
	kinds    map[protocol.Kind]func(protocol.Message)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. It does not connect until Start.
func New(dialer transport.Dialer, cfg Config, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, errors.New("client: nil dialer")
	}
	if cfg.Channel == "" || cfg.ScopeID == "" {
		return nil, errors.New("client: channel and scope id are required")
	}
	if strings.Contains(cfg.Channel, "#") || strings.Contains(cfg.ScopeID, "#") {
		return nil, fmt.Errorf("client: channel %q and scope id %q must not contain '#'", cfg.Channel, cfg.ScopeID)
	}
	c := &Client{
		dialer:    dialer,
		cfg:       cfg,
		queueSize: DefaultQueueSize,
		replicas:  make(map[string]store.Replica),
		kinds:     make(map[protocol.Kind]func(protocol.Message)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff == nil {
		c.backoff = &backoff.ZeroBackOff{}
	}
	if c.logger == nil {
		c.logger = logging.Logger().With("component", "client", "channel", cfg.Channel, "scope_id", cfg.ScopeID)
	}
	if c.onError == nil {
		c.onError = func(err error) {
			c.logger.Warn("client error", "code", protocol.CodeOf(err), "error", err)
		}
	}
	return c, nil
}

// Use creates a store from def that replicates through c. One store per scope.
func Use[S any](c *Client, def *store.Definition[S], opts ...store.Option) (*store.Store[S], error) {
	s := def.New(c, opts...)
	if err := c.Bind(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Bind attaches an already built replica. Its publisher should be c.
func (c *Client) Bind(r store.Replica) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.replicas[r.Scope()]; dup {
		return fmt.Errorf("client: a store for scope %q is already bound", r.Scope())
	}
	c.replicas[r.Scope()] = r
	return nil
}

// HandleKind registers a handler for a collaborator-defined message kind.
func (c *Client) HandleKind(kind protocol.Kind, fn func(protocol.Message)) {
	c.mu.Lock()
	c.kinds[kind] = fn
	c.mu.Unlock()
}

// Start begins connecting in the background.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil || c.stopped {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop closes the connection and ends reconnecting. Pending sends are dropped.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	h := c.handle
	c.handle = nil
	c.queue = nil
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		_ = h.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(Stopped)

	c.mu.Lock()
	replicas := c.replicas
	c.mu.Unlock()
	for _, r := range replicas {
		r.Close()
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns the number of closes and failed opens since the last init.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Name returns the name of the current or most recent connection.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) nextName() string {
	switch {
	case c.cfg.Identity == Anonymous:
		return protocol.FormatInstanceName(c.cfg.Channel, c.cfg.ScopeID, uuid.NewString())
	case strings.Contains(c.cfg.ScopeID, "-"):
		return protocol.FormatInstanceName(c.cfg.Channel, c.cfg.ScopeID, "")
	default:
		return protocol.FormatName(c.cfg.Channel, c.cfg.ScopeID)
	}
}

// Publish implements store.Publisher.
func (c *Client) Publish(msg protocol.Message) error {
	return c.Send(msg)
}

// Send writes msg on the open connection, or queues it while the connection
// is not open. A full queue or a stopped client is ErrNotConnected.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return &protocol.Error{Code: protocol.CodeMalformedMessage, Channel: c.cfg.Channel, ScopeID: c.cfg.ScopeID, Kind: msg.Kind(), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return c.notConnected(msg.Kind(), "client stopped")
	}
	if c.state == Open && c.handle != nil {
		if err := c.handle.Send(data); err == nil {
			if c.expectInits > 0 && msg.Kind() == protocol.KindAction {
				c.dirty = true
			}
			return nil
		}
		// the close listener has not run yet; hold the message for the next open
	}
	if len(c.queue) >= c.queueSize {
		return c.notConnected(msg.Kind(), "send queue full")
	}
	c.queue = append(c.queue, data)
	return nil
}

func (c *Client) notConnected(kind protocol.Kind, detail string) error {
	return &protocol.Error{Code: protocol.CodeNotConnected, Name: c.name, Channel: c.cfg.Channel, ScopeID: c.cfg.ScopeID, Kind: kind, Detail: detail}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		c.setState(Connecting)
		name := c.nextName()
		h, err := c.dialer.Open(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.reconnects++
			attempt := c.reconnects
			c.mu.Unlock()
			c.logger.Warn("open failed", "name", name, "attempt", attempt, "error", err)
			if !c.wait(ctx) {
				return
			}
			continue
		}

		closed := make(chan struct{})
		if !c.open(h, name) {
			_ = h.Close()
			return
		}
		h.OnMessage(c.handleMessage)
		h.OnClose(func() { close(closed) })

		select {
		case <-closed:
		case <-ctx.Done():
			_ = h.Close()
			return
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.handle = nil
		c.reconnects++
		attempt := c.reconnects
		c.mu.Unlock()
		c.setState(Closed)
		c.logger.Info("connection lost", "name", name, "attempt", attempt)

		if !c.wait(ctx) {
			return
		}
	}
}

// open makes h the live handle and flushes queued sends in order. After a
// reconnect, or when queued actions went out, it asks for a fresh snapshot
// since the one pushed on connect may predate them.
func (c *Client) open(h transport.Handle, name string) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.handle = h
	c.name = name
	c.state = Open
	resync := c.opens > 0
	c.opens++

	queue := c.queue
	c.queue = nil
	flushed := true
	for i, data := range queue {
		if err := h.Send(data); err != nil {
			c.queue = queue[i:]
			flushed = false
			break
		}
	}
	c.expectInits = 1
	c.dirty = false
	if flushed && (resync || len(queue) > 0) && c.sendSync(h) {
		c.expectInits++
	}
	onState := c.onState
	c.mu.Unlock()

	c.logger.Debug("connection open", "name", name, "flushed", len(queue))
	if onState != nil {
		onState(Open)
	}
	return true
}

// sendSync requests an init. Callers hold c.mu.
func (c *Client) sendSync(h transport.Handle) bool {
	data, err := protocol.Encode(protocol.Sync{})
	if err != nil {
		return false
	}
	return h.Send(data) == nil
}

func (c *Client) wait(ctx context.Context) bool {
	c.mu.Lock()
	d := c.backoff.NextBackOff()
	c.mu.Unlock()
	if d == backoff.Stop {
		c.onError(c.notConnected("", "reconnect policy gave up"))
		c.mu.Lock()
		c.stopped = true
		c.queue = nil
		c.mu.Unlock()
		c.setState(Stopped)
		return false
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.state == Stopped && s != Stopped) {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.onError(err)
		return
	}

	switch m := msg.(type) {
	case protocol.Init:
		c.mu.Lock()
		c.reconnects = 0
		c.backoff.Reset()
		replicas := make(map[string]store.Replica, len(c.replicas))
		for k, v := range c.replicas {
			replicas[k] = v
		}
		if c.expectInits > 0 {
			c.expectInits--
		}
		if c.expectInits == 0 && c.dirty && c.handle != nil {
			c.dirty = false
			if c.sendSync(c.handle) {
				c.expectInits = 1
			}
		}
		c.mu.Unlock()

		for scope, raw := range m.Data {
			if r, ok := replicas[scope]; ok {
				if err := r.Replace(raw); err != nil {
					c.onError(err)
				}
			}
		}
	case protocol.Action:
		c.mu.Lock()
		r, ok := c.replicas[m.Scope]
		c.mu.Unlock()
		if !ok {
			c.onError(&protocol.Error{Code: protocol.CodeNotFound, Channel: c.cfg.Channel, ScopeID: c.cfg.ScopeID, Kind: protocol.KindAction, Scope: m.Scope, Action: m.Name, Detail: "no store bound for scope"})
			return
		}
		if err := r.ApplyRemote(m.Name, m.Args); err != nil {
			c.onError(err)
		}
	default:
		c.mu.Lock()
		fn, ok := c.kinds[msg.Kind()]
		c.mu.Unlock()
		if !ok {
			c.onError(&protocol.Error{Code: protocol.CodeUnhandledMessageKind, Channel: c.cfg.Channel, ScopeID: c.cfg.ScopeID, Kind: msg.Kind()})
			return
		}
		fn(msg)
	}
}
