package store

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabsync/internal/protocol"
)

type counter struct {
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

var counterDef = Define("global", counter{Tags: []string{}},
	map[string]Getter[counter]{
		"double": func(s counter) any { return s.Count * 2 },
	},
	map[string]ActionFunc[counter]{
		"add": func(s *counter, args protocol.Args) error {
			var n int
			if err := args.Decode(0, &n); err != nil {
				return err
			}
			s.Count += n
			return nil
		},
		"tag": func(s *counter, args protocol.Args) error {
			var tag string
			if err := args.Decode(0, &tag); err != nil {
				return err
			}
			s.Tags = append(s.Tags, tag)
			return nil
		},
		"fail": func(s *counter, _ protocol.Args) error {
			s.Count = -1
			return errors.New("boom")
		},
	})

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Publish(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) sent() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func TestDispatchMutatesAndPublishesOnce(t *testing.T) {
	pub := &recorder{}
	s := counterDef.New(pub)
	defer s.Close()

	require.NoError(t, s.Dispatch("add", 3))
	assert.Equal(t, 3, s.State().Count)

	sent := pub.sent()
	require.Len(t, sent, 1)
	action, ok := sent[0].(protocol.Action)
	require.True(t, ok)
	assert.Equal(t, "global", action.Scope)
	assert.Equal(t, "add", action.Name)
	want, _ := protocol.NewArgs(3)
	assert.True(t, want.Equal(action.Args))
}

func TestApplyRemoteNeverPublishes(t *testing.T) {
	pub := &recorder{}
	s := counterDef.New(pub)
	defer s.Close()

	args, _ := protocol.NewArgs(5)
	require.NoError(t, s.ApplyRemote("add", args))
	require.NoError(t, s.ApplyRemote("add", args))
	assert.Equal(t, 10, s.State().Count)
	assert.Empty(t, pub.sent())
}

func TestReplicasConverge(t *testing.T) {
	// a's dispatches are delivered to b as remote applications
	var b *Store[counter]
	a := counterDef.New(PublisherFunc(func(msg protocol.Message) error {
		act := msg.(protocol.Action)
		return b.ApplyRemote(act.Name, act.Args)
	}))
	bPub := &recorder{}
	b = counterDef.New(bPub)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Dispatch("add", 2))
	require.NoError(t, a.Dispatch("tag", "x"))
	assert.Equal(t, a.State(), b.State())
	assert.Empty(t, bPub.sent(), "remote application must not echo")
}

func TestReplaceIsWholesaleAndIdempotent(t *testing.T) {
	s := counterDef.New(nil)
	defer s.Close()
	require.NoError(t, s.Dispatch("tag", "old"))

	snap := json.RawMessage(`{"count":7,"tags":["a"]}`)
	require.NoError(t, s.Replace(snap))
	first := s.State()
	require.NoError(t, s.Replace(snap))
	assert.Equal(t, first, s.State())
	assert.Equal(t, counter{Count: 7, Tags: []string{"a"}}, first)

	// fields absent from the snapshot are reset rather than merged
	require.NoError(t, s.Replace(json.RawMessage(`{"count":1}`)))
	assert.Nil(t, s.State().Tags)
}

func TestReplaceRejectsGarbage(t *testing.T) {
	s := counterDef.New(nil)
	defer s.Close()
	err := s.Replace(json.RawMessage(`[1,2`))
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
}

func TestUnknownAction(t *testing.T) {
	pub := &recorder{}
	s := counterDef.New(pub)
	defer s.Close()

	err := s.Dispatch("nope")
	require.ErrorIs(t, err, protocol.ErrUnknownAction)
	assert.Empty(t, pub.sent())
	assert.ErrorIs(t, s.ApplyRemote("nope", nil), protocol.ErrUnknownAction)
}

func TestFailedActionLeavesStateUntouched(t *testing.T) {
	pub := &recorder{}
	s := counterDef.New(pub)
	defer s.Close()
	require.NoError(t, s.Dispatch("add", 4))

	require.Error(t, s.Dispatch("fail"))
	assert.Equal(t, 4, s.State().Count)
	assert.Len(t, pub.sent(), 1)
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := counterDef.New(nil)
	b := counterDef.New(nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Dispatch("add", 9))
	snap, err := a.Snapshot()
	require.NoError(t, err)
	require.NoError(t, b.Replace(snap))
	assert.Equal(t, a.State(), b.State())
}

func TestGetter(t *testing.T) {
	s := counterDef.New(nil)
	defer s.Close()
	require.NoError(t, s.Dispatch("add", 21))

	v, err := s.Get("double")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestStateIsACopy(t *testing.T) {
	s := counterDef.New(nil)
	defer s.Close()
	require.NoError(t, s.Dispatch("tag", "a"))

	st := s.State()
	st.Tags[0] = "mutated"
	assert.Equal(t, []string{"a"}, s.State().Tags)
}

func TestSubscribeSeesChangesInOrder(t *testing.T) {
	s := counterDef.New(nil)
	defer s.Close()

	got := make(chan Change, 8)
	s.Subscribe(func(c Change) { got <- c })

	require.NoError(t, s.Dispatch("add", 1))
	args, _ := protocol.NewArgs("t")
	require.NoError(t, s.ApplyRemote("tag", args))
	require.NoError(t, s.Replace(json.RawMessage(`{"count":0}`)))

	want := []Change{
		{Scope: "global", Action: "add", Origin: Local, Seq: 1},
		{Scope: "global", Action: "tag", Origin: Remote, Seq: 2},
		{Scope: "global", Origin: Remote, Replaced: true, Seq: 3},
	}
	for _, w := range want {
		select {
		case c := <-got:
			assert.Equal(t, w, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing change %+v", w)
		}
	}
}

func TestConcurrentCommitsNotifyInOrder(t *testing.T) {
	s := counterDef.New(nil)
	defer s.Close()

	const workers, each = 8, 25
	got := make(chan Change, workers*each)
	s.Subscribe(func(c Change) { got <- c })

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if w%2 == 0 {
					assert.NoError(t, s.Dispatch("add", 1))
				} else {
					args, _ := protocol.NewArgs(1)
					assert.NoError(t, s.ApplyRemote("add", args))
				}
			}
		}()
	}
	wg.Wait()

	for want := uint64(1); want <= workers*each; want++ {
		select {
		case c := <-got:
			require.Equal(t, want, c.Seq, "changes delivered out of commit order")
		case <-time.After(2 * time.Second):
			t.Fatalf("missing change %d", want)
		}
	}
	assert.Equal(t, workers*each, s.State().Count)
}

func TestReplicaInterface(t *testing.T) {
	var spec Spec = counterDef
	r := spec.NewReplica(nil)
	defer r.Close()

	assert.Equal(t, "global", r.Scope())
	args, _ := protocol.NewArgs(2)
	require.NoError(t, r.ApplyRemote("add", args))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2,"tags":[]}`, string(snap))
}
