// Package hub is the coordinator side of tabsync: it accepts named
// connections, indexes them in a port registry and routes their messages.
//
// Actions are fanned out by scope (global, page, or a channel name) to every
// registered connection in that scope except the sender. Every other message
// kind goes to a registered kind handler.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/neboloop/tabsync/internal/events"
	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/registry"
	"github.com/neboloop/tabsync/internal/transport"
)

// KindHandler handles a non-action message. It runs under the dispatch lock
// and must reply through c rather than calling back into the Hub.
type KindHandler func(c *Conn, msg protocol.Message) error

// ActionObserver sees every action after it has been fanned out.
type ActionObserver interface {
	ObserveAction(c *Conn, a protocol.Action)
}

// ActionObserverFunc adapts a function to ActionObserver.
type ActionObserverFunc func(c *Conn, a protocol.Action)

func (f ActionObserverFunc) ObserveAction(c *Conn, a protocol.Action) { f(c, a) }

// Config lists the allowed channels and who owns them.
type Config struct {
	Channels []string
	Owners   map[string]Owner
	// Fallback owns every allowed channel missing from Owners.
	Fallback Owner
}

// ConnEvent is published on the conn.* topics.
type ConnEvent struct {
	Conn Info
	Err  error
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithErrorHandler replaces the default error reporting, which logs.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Hub) { h.onError = fn }
}

// WithEvents publishes connection lifecycle events on s.
func WithEvents(s *events.Subject) Option {
	return func(h *Hub) { h.subject = s }
}

// WithObserver adds an action observer.
func WithObserver(o ActionObserver) Option {
	return func(h *Hub) { h.observers = append(h.observers, o) }
}

// WithKindHandler registers a kind handler at construction.
func WithKindHandler(kind protocol.Kind, fn KindHandler) Option {
	return func(h *Hub) { h.kinds[kind] = fn }
}

// Hub routes messages between registered connections.
type Hub struct {
	// mu is the dispatch lock. It is held across registration, removal,
	// fan-out, owner hooks and kind handlers.
	mu     sync.Mutex
	ports  *registry.Registry[*Conn]
	closed bool

	channels map[string]struct{}
	owners   map[string]Owner
	fallback Owner

	kindMu sync.RWMutex
	kinds  map[protocol.Kind]KindHandler

	observers []ActionObserver
	onError   func(error)
	subject   *events.Subject
	logger    *slog.Logger
}

// New creates a hub. Every allowed channel needs an owner, directly or via
// the fallback.
func New(cfg Config, opts ...Option) (*Hub, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("hub: no channels allowed")
	}
	h := &Hub{
		ports:    registry.New[*Conn](),
		channels: make(map[string]struct{}, len(cfg.Channels)),
		owners:   make(map[string]Owner, len(cfg.Owners)),
		fallback: cfg.Fallback,
		kinds:    make(map[protocol.Kind]KindHandler),
	}
	for _, ch := range cfg.Channels {
		if err := validChannel(ch); err != nil {
			return nil, err
		}
		h.channels[ch] = struct{}{}
		if o, ok := cfg.Owners[ch]; ok && o != nil {
			h.owners[ch] = o
		} else if cfg.Fallback == nil {
			return nil, fmt.Errorf("hub: channel %q has no owner and no fallback is configured", ch)
		}
	}
	for ch := range cfg.Owners {
		if _, ok := h.channels[ch]; !ok {
			return nil, fmt.Errorf("hub: owner registered for unknown channel %q", ch)
		}
	}

	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.Logger().With("component", "hub")
	}
	if h.onError == nil {
		h.onError = func(err error) {
			h.logger.Warn("routing error", "code", protocol.CodeOf(err), "error", err)
		}
	}
	return h, nil
}

func validChannel(ch string) error {
	switch {
	case ch == "":
		return errors.New("hub: empty channel name")
	case ch == protocol.ScopeGlobal || ch == protocol.ScopePage:
		return fmt.Errorf("hub: channel %q collides with a routing scope", ch)
	case strings.Contains(ch, "#"):
		return fmt.Errorf("hub: channel %q contains '#'", ch)
	}
	return nil
}

// Channels returns the allowed channel names.
func (h *Hub) Channels() []string {
	out := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		out = append(out, ch)
	}
	return out
}

func (h *Hub) allowed(channel string) bool {
	_, ok := h.channels[channel]
	return ok
}

func (h *Hub) ownerFor(channel string) Owner {
	if o, ok := h.owners[channel]; ok {
		return o
	}
	return h.fallback
}

// AcceptFunc returns Accept as a transport.AcceptFunc. Rejections are
// reported through the error handler.
func (h *Hub) AcceptFunc() transport.AcceptFunc {
	return func(th transport.Handle) { _ = h.Accept(th) }
}

// Accept validates, registers and hands an incoming handle to its owner. A
// rejected handle is closed before the error is returned.
func (h *Hub) Accept(th transport.Handle) error {
	name := th.Name()
	id, err := protocol.ParseName(name, th.Sender().ScopeID, h.allowed)
	if err != nil {
		return h.reject(th, err)
	}
	if !h.allowed(id.Channel) {
		return h.reject(th, &protocol.Error{Code: protocol.CodeUnknownChannel, Name: name, Channel: id.Channel, ScopeID: id.ScopeID})
	}

	c := &Conn{
		ID:       ulid.Make(),
		Name:     name,
		Channel:  id.Channel,
		ScopeID:  id.ScopeID,
		Instance: id.Instance,
		OpenedAt: time.Now(),
		handle:   th,
	}
	owner := h.ownerFor(c.Channel)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return h.reject(th, &protocol.Error{Code: protocol.CodeNotConnected, Name: name, Channel: c.Channel, ScopeID: c.ScopeID, Detail: "hub closed"})
	}
	if err := h.ports.Register(registry.Key{Name: name, Channel: c.Channel, ScopeID: c.ScopeID}, c); err != nil {
		h.mu.Unlock()
		return h.reject(th, err)
	}
	if owner == nil {
		err = c.errorf(protocol.CodeNoConnectHandler, "", nil)
	} else {
		err = owner.OnConnect(c)
	}
	if err != nil {
		h.ports.Unregister(name)
		h.mu.Unlock()
		return h.reject(th, withConn(err, c))
	}
	h.mu.Unlock()

	th.OnMessage(func(data []byte) { h.dispatch(c, data) })
	th.OnClose(func() { h.drop(c, owner) })

	h.logger.Debug("connection opened", "name", name, "channel", c.Channel, "scope_id", c.ScopeID, "id", c.ID.String())
	h.emit(events.TopicConnOpened, ConnEvent{Conn: c.Info()})
	return nil
}

func (h *Hub) reject(th transport.Handle, err error) error {
	_ = th.Close()
	h.report(err)
	h.emit(events.TopicConnRejected, ConnEvent{Conn: Info{Name: th.Name()}, Err: err})
	return err
}

func (h *Hub) drop(c *Conn, owner Owner) {
	h.mu.Lock()
	if cur, err := h.ports.Lookup(c.Name); err != nil || cur != c {
		h.mu.Unlock()
		return
	}
	h.ports.Unregister(c.Name)
	var err error
	if owner == nil {
		err = c.errorf(protocol.CodeNoDisconnectHandler, "", nil)
	} else if err = owner.OnDisconnect(c); err != nil {
		err = withConn(err, c)
	}
	h.mu.Unlock()

	h.report(err)
	h.logger.Debug("connection closed", "name", c.Name, "channel", c.Channel, "scope_id", c.ScopeID, "id", c.ID.String())
	h.emit(events.TopicConnClosed, ConnEvent{Conn: c.Info()})
}

func (h *Hub) dispatch(c *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.report(withConn(err, c))
		return
	}
	if a, ok := msg.(protocol.Action); ok {
		h.route(c, a)
		return
	}

	h.kindMu.RLock()
	fn, ok := h.kinds[msg.Kind()]
	h.kindMu.RUnlock()
	if !ok {
		h.report(c.errorf(protocol.CodeUnhandledMessageKind, msg.Kind(), nil))
		return
	}

	h.mu.Lock()
	err = fn(c, msg)
	h.mu.Unlock()
	if err != nil {
		h.report(withConn(err, c))
	}
}

func (h *Hub) route(c *Conn, a protocol.Action) {
	h.mu.Lock()
	if cur, err := h.ports.Lookup(c.Name); err != nil || cur != c {
		h.mu.Unlock()
		h.report(c.errorf(protocol.CodeNotConnected, protocol.KindAction, nil))
		return
	}
	recipients, err := h.recipients(c, a)
	if err != nil {
		h.mu.Unlock()
		h.report(err)
		return
	}
	data, err := protocol.Encode(a)
	if err != nil {
		h.mu.Unlock()
		h.report(c.errorf(protocol.CodeMalformedMessage, protocol.KindAction, err))
		return
	}

	var failed []error
	for _, r := range recipients {
		if r == c {
			continue
		}
		if err := r.sendRaw(data, protocol.KindAction); err != nil {
			failed = append(failed, err)
		}
	}
	for _, o := range h.observers {
		o.ObserveAction(c, a)
	}
	h.mu.Unlock()

	for _, err := range failed {
		h.report(err)
	}
}

func (h *Hub) recipients(c *Conn, a protocol.Action) ([]*Conn, error) {
	switch a.Scope {
	case protocol.ScopeGlobal:
		return h.ports.All(), nil
	case protocol.ScopePage:
		return h.ports.ByScope(c.ScopeID), nil
	}
	if h.allowed(a.Scope) {
		return h.ports.ByChannel(a.Scope), nil
	}
	return nil, &protocol.Error{
		Code:    protocol.CodeUnknownRoutingScope,
		Name:    c.Name,
		Channel: c.Channel,
		ScopeID: c.ScopeID,
		Kind:    protocol.KindAction,
		Scope:   a.Scope,
		Action:  a.Name,
	}
}

// HandleKind registers the handler for a message kind, replacing any previous
// one. Actions are always routed and never reach kind handlers.
func (h *Hub) HandleKind(kind protocol.Kind, fn KindHandler) {
	h.kindMu.Lock()
	h.kinds[kind] = fn
	h.kindMu.Unlock()
}

// RemoveKind unregisters a kind handler.
func (h *Hub) RemoveKind(kind protocol.Kind) error {
	h.kindMu.Lock()
	defer h.kindMu.Unlock()
	if _, ok := h.kinds[kind]; !ok {
		return &protocol.Error{Code: protocol.CodeListenerNotFound, Kind: kind}
	}
	delete(h.kinds, kind)
	return nil
}

// SendTo sends msg to the connection registered under name.
func (h *Hub) SendTo(name string, msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.ports.Lookup(name)
	if err != nil {
		return &protocol.Error{Code: protocol.CodeListenerNotFound, Name: name, Kind: msg.Kind()}
	}
	return c.Send(msg)
}

// Broadcast sends msg to every registered connection.
func (h *Hub) Broadcast(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return &protocol.Error{Code: protocol.CodeMalformedMessage, Kind: msg.Kind(), Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, c := range h.ports.All() {
		if err := c.sendRaw(data, msg.Kind()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Conns returns the registered connections ordered by name.
func (h *Hub) Conns() []*Conn {
	return h.ports.All()
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	return h.ports.Len()
}

// Close stops accepting and closes every registered handle. Owners see the
// disconnects as the close listeners fire.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := h.ports.All()
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) report(err error) {
	if err != nil {
		h.onError(err)
	}
}

func (h *Hub) emit(topic string, ev ConnEvent) {
	if h.subject != nil {
		_ = events.Emit(h.subject, topic, ev)
	}
}

// withConn fills in connection context on protocol errors that lack it and
// wraps anything else.
func withConn(err error, c *Conn) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		if pe.Name != "" {
			return err
		}
		cp := *pe
		cp.Name, cp.Channel, cp.ScopeID = c.Name, c.Channel, c.ScopeID
		return &cp
	}
	return fmt.Errorf("%s: %w", c.Name, err)
}
