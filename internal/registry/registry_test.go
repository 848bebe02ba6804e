package registry

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabsync/internal/protocol"
)

type port struct{ name string }

func key(channel, scope string) Key {
	return Key{Name: channel + "-" + scope, Channel: channel, ScopeID: scope}
}

// indexNames re-derives the name set of each index by scanning it.
func indexNames(r *Registry[*port]) (byName, byChannel, byScope []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, e := range r.byName {
		byName = append(byName, n)
		if e.value.name != n {
			byName = append(byName, "mismatch:"+n)
		}
	}
	for ch, m := range r.byChannel {
		for n := range m {
			if r.byName[n].key.Channel != ch {
				n = "wrong-channel:" + n
			}
			byChannel = append(byChannel, n)
		}
	}
	for sc, m := range r.byScope {
		for n := range m {
			if r.byName[n].key.ScopeID != sc {
				n = "wrong-scope:" + n
			}
			byScope = append(byScope, n)
		}
	}
	slices.Sort(byName)
	slices.Sort(byChannel)
	slices.Sort(byScope)
	return
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := New[*port]()
	p := &port{name: "panel-42"}
	require.NoError(t, r.Register(key("panel", "42"), p))

	got, err := r.Lookup("panel-42")
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Equal(t, []*port{p}, r.ByChannel("panel"))
	assert.Equal(t, []*port{p}, r.ByScope("42"))
	assert.Equal(t, 1, r.Len())

	k, ok := r.KeyOf("panel-42")
	assert.True(t, ok)
	assert.Equal(t, key("panel", "42"), k)

	removed, ok := r.Unregister("panel-42")
	assert.True(t, ok)
	assert.Same(t, p, removed)

	_, err = r.Lookup("panel-42")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.Empty(t, r.ByChannel("panel"))
	assert.Empty(t, r.ByScope("42"))
	assert.Empty(t, r.Scopes())
}

func TestDuplicateConnection(t *testing.T) {
	r := New[*port]()
	first := &port{name: "panel-42"}
	require.NoError(t, r.Register(key("panel", "42"), first))

	err := r.Register(key("panel", "42"), &port{name: "panel-42"})
	require.ErrorIs(t, err, protocol.ErrDuplicateConnection)

	got, _ := r.Lookup("panel-42")
	assert.Same(t, first, got, "duplicate must not replace the live port")
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New[*port]()
	_, ok := r.Unregister("nope")
	assert.False(t, ok)

	require.NoError(t, r.Register(key("agent", "1"), &port{name: "agent-1"}))
	_, ok = r.Unregister("agent-1")
	assert.True(t, ok)
	_, ok = r.Unregister("agent-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestOrderedViews(t *testing.T) {
	r := New[*port]()
	for _, k := range []Key{key("panel", "2"), key("agent", "1"), key("panel", "1"), key("agent", "2")} {
		require.NoError(t, r.Register(k, &port{name: k.Name}))
	}
	names := func(ps []*port) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.name)
		}
		return out
	}
	assert.Equal(t, []string{"agent-1", "agent-2", "panel-1", "panel-2"}, names(r.All()))
	assert.Equal(t, []string{"panel-1", "panel-2"}, names(r.ByChannel("panel")))
	assert.Equal(t, []string{"agent-1", "panel-1"}, names(r.ByScope("1")))
	assert.Equal(t, []string{"1", "2"}, r.Scopes())
}

func TestIndicesStayConsistent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	channels := []string{"panel", "agent", "control-panel"}
	r := New[*port]()

	for i := 0; i < 2000; i++ {
		ch := channels[rng.IntN(len(channels))]
		scope := fmt.Sprint(rng.IntN(5))
		k := key(ch, scope)
		if rng.IntN(3) == 0 {
			r.Unregister(k.Name)
		} else {
			_ = r.Register(k, &port{name: k.Name})
		}

		byName, byChannel, byScope := indexNames(r)
		require.Equal(t, byName, byChannel, "step %d", i)
		require.Equal(t, byName, byScope, "step %d", i)
		require.Equal(t, len(byName), r.Len())
	}
}
