// Package store implements replicated state containers. A store mutates its
// state only through named actions; local dispatches are replicated to peers
// as action messages while remote applications are not sent again.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/neboloop/tabsync/internal/events"
	"github.com/neboloop/tabsync/internal/protocol"
)

// Origin tells a store whether an action was invoked here or replayed from a peer.
type Origin int

const (
	// Local actions mutate state and are published once.
	Local Origin = iota
	// Remote actions mutate state and are never published.
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// ActionFunc mutates state in place. Returning an error discards the mutation.
type ActionFunc[S any] func(state *S, args protocol.Args) error

// Getter is a pure projection of state.
type Getter[S any] func(state S) any

// Publisher sends a message on behalf of the store, usually the owning
// connection.
type Publisher interface {
	Publish(msg protocol.Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(msg protocol.Message) error

func (f PublisherFunc) Publish(msg protocol.Message) error { return f(msg) }

// Change is emitted on TopicStateChanged after every committed mutation.
type Change struct {
	Scope    string
	Action   string // empty for Replace
	Origin   Origin
	Replaced bool
	// Seq numbers commits from 1 in the order they were applied.
	Seq uint64
}

// Replica is the type-erased view of a store used by connection owners.
type Replica interface {
	Scope() string
	ApplyRemote(name string, args protocol.Args) error
	Snapshot() (json.RawMessage, error)
	Replace(raw json.RawMessage) error
	Close()
}

// Spec builds replicas of one scope. *Definition satisfies it.
type Spec interface {
	Scope() string
	NewReplica(pub Publisher) Replica
}

// Definition describes a store: its scope, initial state, getters and actions.
type Definition[S any] struct {
	scope   string
	initial S
	getters map[string]Getter[S]
	actions map[string]ActionFunc[S]
}

// Define creates a definition. scope is "global", "page" or a channel name.
func Define[S any](scope string, initial S, getters map[string]Getter[S], actions map[string]ActionFunc[S]) *Definition[S] {
	d := &Definition[S]{
		scope:   scope,
		initial: initial,
		getters: make(map[string]Getter[S], len(getters)),
		actions: make(map[string]ActionFunc[S], len(actions)),
	}
	for k, v := range getters {
		d.getters[k] = v
	}
	for k, v := range actions {
		d.actions[k] = v
	}
	return d
}

// Scope returns the routing scope of stores built from d.
func (d *Definition[S]) Scope() string { return d.scope }

// Actions lists the defined action names.
func (d *Definition[S]) Actions() []string {
	names := make([]string, 0, len(d.actions))
	for k := range d.actions {
		names = append(names, k)
	}
	return names
}

// NewReplica implements Spec.
func (d *Definition[S]) NewReplica(pub Publisher) Replica {
	return d.New(pub)
}

// Option configures a Store.
type Option func(*options)

type options struct {
	subject *events.Subject
}

// WithSubject publishes changes on a shared subject instead of a private one.
// The caller owns the subject's lifetime.
func WithSubject(s *events.Subject) Option {
	return func(o *options) { o.subject = s }
}

// Store is one replica of a definition.
type Store[S any] struct {
	def *Definition[S]
	pub Publisher

	mu    sync.Mutex
	state S
	seq   uint64
	// emitMu is taken before mu is released so changes are emitted in
	// commit order without holding mu while subscribers run.
	emitMu sync.Mutex

	subject    *events.Subject
	ownSubject bool
}

// New builds a store holding a copy of the initial state. pub may be nil for
// a store that never replicates.
func (d *Definition[S]) New(pub Publisher, opts ...Option) *Store[S] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store[S]{def: d, pub: pub, subject: o.subject}
	if s.subject == nil {
		s.subject = events.NewSubject(events.WithSyncDelivery())
		s.ownSubject = true
	}
	initial, err := clone(d.initial)
	if err != nil {
		// initial states that cannot round-trip through JSON are shared as is
		initial = d.initial
	}
	s.state = initial
	return s
}

// Scope returns the store's routing scope.
func (s *Store[S]) Scope() string { return s.def.scope }

// Dispatch invokes an action locally and replicates it with the same arguments.
func (s *Store[S]) Dispatch(name string, vals ...any) error {
	args, err := protocol.NewArgs(vals...)
	if err != nil {
		return &protocol.Error{Code: protocol.CodeMalformedMessage, Scope: s.def.scope, Action: name, Err: err}
	}
	return s.apply(name, args, Local)
}

// DispatchArgs is Dispatch with pre-encoded arguments.
func (s *Store[S]) DispatchArgs(name string, args protocol.Args) error {
	return s.apply(name, args, Local)
}

// ApplyRemote applies an action received from a peer without replicating it.
func (s *Store[S]) ApplyRemote(name string, args protocol.Args) error {
	return s.apply(name, args, Remote)
}

func (s *Store[S]) apply(name string, args protocol.Args, origin Origin) error {
	fn, ok := s.def.actions[name]
	if !ok {
		return &protocol.Error{Code: protocol.CodeUnknownAction, Scope: s.def.scope, Action: name}
	}
	if args == nil {
		args = protocol.Args{}
	}

	s.mu.Lock()
	next, err := clone(s.state)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s.%s: copy state: %w", s.def.scope, name, err)
	}
	if err := fn(&next, args); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s.%s: %w", s.def.scope, name, err)
	}
	s.state = next
	s.seq++
	change := Change{Scope: s.def.scope, Action: name, Origin: origin, Seq: s.seq}

	var pubErr error
	if origin == Local && s.pub != nil {
		pubErr = s.pub.Publish(protocol.Action{Scope: s.def.scope, Name: name, Args: args})
	}
	s.emitMu.Lock()
	s.mu.Unlock()

	s.notify(change)
	s.emitMu.Unlock()
	if pubErr != nil {
		return fmt.Errorf("%s.%s: replicate: %w", s.def.scope, name, pubErr)
	}
	return nil
}

// Get evaluates a getter against a copy of the current state.
func (s *Store[S]) Get(getter string) (any, error) {
	fn, ok := s.def.getters[getter]
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeNotFound, Scope: s.def.scope, Detail: "getter " + getter}
	}
	return fn(s.State()), nil
}

// State returns a copy of the current state.
func (s *Store[S]) State() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := clone(s.state)
	if err != nil {
		return s.state
	}
	return c
}

// Snapshot serialises the current state.
func (s *Store[S]) Snapshot() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.state)
}

// Replace swaps the whole state for raw. Nothing is merged with the old state.
func (s *Store[S]) Replace(raw json.RawMessage) error {
	var next S
	if err := json.Unmarshal(raw, &next); err != nil {
		return &protocol.Error{Code: protocol.CodeMalformedMessage, Kind: protocol.KindInit, Scope: s.def.scope, Err: err}
	}
	s.mu.Lock()
	s.state = next
	s.seq++
	change := Change{Scope: s.def.scope, Origin: Remote, Replaced: true, Seq: s.seq}
	s.emitMu.Lock()
	s.mu.Unlock()

	s.notify(change)
	s.emitMu.Unlock()
	return nil
}

// Subscribe calls fn after each committed change, in commit order.
func (s *Store[S]) Subscribe(fn func(Change)) events.Subscription {
	scope := s.def.scope
	return events.Subscribe(s.subject, events.TopicStateChanged, func(_ context.Context, c Change) error {
		if c.Scope == scope {
			fn(c)
		}
		return nil
	})
}

// Close releases the store's private event loop.
func (s *Store[S]) Close() {
	if s.ownSubject {
		events.Complete(s.subject)
	}
}

func (s *Store[S]) notify(c Change) {
	_ = events.Emit(s.subject, events.TopicStateChanged, c)
}

func clone[S any](v S) (S, error) {
	var out S
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
