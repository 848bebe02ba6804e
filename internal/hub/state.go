package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/store"
)

// DefaultPageTTL is how long a page replica outlives its last connection.
const DefaultPageTTL = 10 * time.Minute

// StateKeeper holds the coordinator's authoritative replicas: one global
// replica, one per page scope, and one per channel-scoped store.
//
// It is an Owner (pushes init on connect), an ActionObserver (applies every
// routed action without replicating it) and the sync kind handler. A page
// replica survives reconnects; it is released once its scope has had no
// connection for the page TTL. Only connections the keeper owns count, so it
// should own every channel that dispatches page actions.
type StateKeeper struct {
	specs   map[string]store.Spec
	logger  *slog.Logger
	pageTTL time.Duration

	mu       sync.Mutex
	closed   bool
	replicas map[string]store.Replica
	pages    map[string]int
	idle     map[string]*time.Timer
}

// KeeperOption configures a StateKeeper.
type KeeperOption func(*StateKeeper)

// WithPageTTL sets how long an unconnected page replica is kept. Non-positive
// values select DefaultPageTTL.
func WithPageTTL(d time.Duration) KeeperOption {
	return func(k *StateKeeper) {
		if d > 0 {
			k.pageTTL = d
		}
	}
}

// NewStateKeeper creates a keeper for the given store definitions, at most one
// per scope.
func NewStateKeeper(specs []store.Spec, opts ...KeeperOption) (*StateKeeper, error) {
	k := &StateKeeper{
		specs:    make(map[string]store.Spec, len(specs)),
		logger:   logging.Logger().With("component", "state"),
		pageTTL:  DefaultPageTTL,
		replicas: make(map[string]store.Replica),
		pages:    make(map[string]int),
		idle:     make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(k)
	}
	for _, s := range specs {
		if _, dup := k.specs[s.Scope()]; dup {
			return nil, fmt.Errorf("state: scope %q defined twice", s.Scope())
		}
		k.specs[s.Scope()] = s
	}
	return k, nil
}

// Options wires the keeper into a hub.
func (k *StateKeeper) Options() []Option {
	return []Option{
		WithObserver(k),
		WithKindHandler(protocol.KindSync, k.HandleSync),
	}
}

func replicaKey(scope, scopeID string) string {
	switch scope {
	case protocol.ScopeGlobal:
		return protocol.ScopeGlobal
	case protocol.ScopePage:
		return "page:" + scopeID
	default:
		return "channel:" + scope
	}
}

func (k *StateKeeper) replica(scope, scopeID string) (store.Replica, bool) {
	spec, ok := k.specs[scope]
	if !ok {
		return nil, false
	}
	key := replicaKey(scope, scopeID)
	r, ok := k.replicas[key]
	if !ok {
		r = spec.NewReplica(nil)
		k.replicas[key] = r
	}
	return r, true
}

// OnConnect pushes the init snapshot for c's scope.
func (k *StateKeeper) OnConnect(c *Conn) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer k.settle(c.ScopeID)
	msg, err := k.snapshot(c.ScopeID)
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		return err
	}
	k.pages[c.ScopeID]++
	return nil
}

// OnDisconnect starts the idle clock of the page replica once its last
// connection is gone.
func (k *StateKeeper) OnDisconnect(c *Conn) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pages[c.ScopeID] > 1 {
		k.pages[c.ScopeID]--
		return nil
	}
	delete(k.pages, c.ScopeID)
	k.settle(c.ScopeID)
	return nil
}

// settle stops the idle timer of a connected page and starts one for an
// unconnected page that has a replica. Callers hold k.mu.
func (k *StateKeeper) settle(scopeID string) {
	if k.pages[scopeID] > 0 || k.closed {
		if t, ok := k.idle[scopeID]; ok {
			t.Stop()
			delete(k.idle, scopeID)
		}
		return
	}
	if _, ok := k.replicas[replicaKey(protocol.ScopePage, scopeID)]; !ok {
		return
	}
	if _, pending := k.idle[scopeID]; pending {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(k.pageTTL, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.expire(scopeID, t)
	})
	k.idle[scopeID] = t
}

// expire releases the page replica if t is still its idle timer. Callers hold
// k.mu.
func (k *StateKeeper) expire(scopeID string, t *time.Timer) {
	if k.idle[scopeID] != t {
		return
	}
	delete(k.idle, scopeID)
	if k.pages[scopeID] > 0 {
		return
	}
	key := replicaKey(protocol.ScopePage, scopeID)
	if r, ok := k.replicas[key]; ok {
		r.Close()
		delete(k.replicas, key)
		k.logger.Debug("page replica released", "scope_id", scopeID)
	}
}

// Connections returns the live connection count of a page scope.
func (k *StateKeeper) Connections(scopeID string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pages[scopeID]
}

// HasPage reports whether a replica is held for the page scope.
func (k *StateKeeper) HasPage(scopeID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.replicas[replicaKey(protocol.ScopePage, scopeID)]
	return ok
}

// ObserveAction applies a routed action to the matching replica.
func (k *StateKeeper) ObserveAction(c *Conn, a protocol.Action) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer k.settle(c.ScopeID)
	r, ok := k.replica(a.Scope, c.ScopeID)
	if !ok {
		return
	}
	if err := r.ApplyRemote(a.Name, a.Args); err != nil {
		k.logger.Warn("replica rejected action", "scope", a.Scope, "action", a.Name, "name", c.Name, "error", err)
	}
}

// HandleSync answers a sync request with a fresh init.
func (k *StateKeeper) HandleSync(c *Conn, _ protocol.Message) error {
	msg, err := k.Init(c.ScopeID)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Init builds the snapshot a connection in scopeID receives.
func (k *StateKeeper) Init(scopeID string) (protocol.Init, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer k.settle(scopeID)
	return k.snapshot(scopeID)
}

func (k *StateKeeper) snapshot(scopeID string) (protocol.Init, error) {
	data := make(map[string]json.RawMessage, len(k.specs))
	for scope := range k.specs {
		r, _ := k.replica(scope, scopeID)
		raw, err := r.Snapshot()
		if err != nil {
			return protocol.Init{}, fmt.Errorf("state: snapshot %s: %w", scope, err)
		}
		data[scope] = raw
	}
	return protocol.Init{Data: data}, nil
}

// Close releases every replica.
func (k *StateKeeper) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	for id, t := range k.idle {
		t.Stop()
		delete(k.idle, id)
	}
	for key, r := range k.replicas {
		r.Close()
		delete(k.replicas, key)
	}
}
