// Package registry indexes live connections by full name, channel and scope id.
package registry

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/neboloop/tabsync/internal/protocol"
)

// Key is the identity a port is indexed under.
type Key struct {
	Name    string
	Channel string
	ScopeID string
}

type entry[T any] struct {
	key   Key
	value T
}

// Registry holds three indices over one set of ports. Every mutation updates
// all three under the same lock, so a reader never observes a port present in
// one index and absent from another.
type Registry[T any] struct {
	mu        sync.RWMutex
	byName    map[string]entry[T]
	byChannel map[string]map[string]T
	byScope   map[string]map[string]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		byName:    make(map[string]entry[T]),
		byChannel: make(map[string]map[string]T),
		byScope:   make(map[string]map[string]T),
	}
}

// Register adds a port. A live port with the same name is ErrDuplicateConnection.
func (r *Registry[T]) Register(k Key, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[k.Name]; ok {
		return &protocol.Error{Code: protocol.CodeDuplicateConnection, Name: k.Name, Channel: k.Channel, ScopeID: k.ScopeID}
	}
	r.byName[k.Name] = entry[T]{key: k, value: v}
	add(r.byChannel, k.Channel, k.Name, v)
	add(r.byScope, k.ScopeID, k.Name, v)
	return nil
}

// Unregister removes a port from every index. Removing an absent name is a no-op.
func (r *Registry[T]) Unregister(name string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		var zero T
		return zero, false
	}
	delete(r.byName, name)
	remove(r.byChannel, e.key.Channel, name)
	remove(r.byScope, e.key.ScopeID, name)
	return e.value, true
}

// Lookup returns the port registered under name.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		var zero T
		return zero, &protocol.Error{Code: protocol.CodeNotFound, Name: name}
	}
	return e.value, nil
}

// KeyOf returns the key a name is registered under.
func (r *Registry[T]) KeyOf(name string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e.key, ok
}

// ByChannel returns the ports of a channel ordered by name.
func (r *Registry[T]) ByChannel(channel string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.byChannel[channel])
}

// ByScope returns the ports sharing a scope id ordered by name.
func (r *Registry[T]) ByScope(scopeID string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.byScope[scopeID])
}

// All returns every port ordered by name.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.byName)
	slices.Sort(names)
	return lo.Map(names, func(n string, _ int) T { return r.byName[n].value })
}

// Len returns the number of live ports.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Scopes returns the scope ids that currently have at least one port.
func (r *Registry[T]) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.byScope)
	slices.Sort(ids)
	return ids
}

func add[T any](idx map[string]map[string]T, bucket, name string, v T) {
	m, ok := idx[bucket]
	if !ok {
		m = make(map[string]T)
		idx[bucket] = m
	}
	m[name] = v
}

func remove[T any](idx map[string]map[string]T, bucket, name string) {
	m, ok := idx[bucket]
	if !ok {
		return
	}
	delete(m, name)
	if len(m) == 0 {
		delete(idx, bucket)
	}
}

func sorted[T any](m map[string]T) []T {
	names := lo.Keys(m)
	slices.Sort(names)
	return lo.Map(names, func(n string, _ int) T { return m[n] })
}
