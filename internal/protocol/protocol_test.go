package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAction(t *testing.T) {
	data, err := Encode(Action{Scope: ScopePage, Name: "increment"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"action","scope":"page","actionName":"increment","args":[]}`, string(data))

	args, err := NewArgs(5, "x", map[string]int{"a": 1})
	require.NoError(t, err)
	data, err = Encode(Action{Scope: "panel", Name: "set", Args: args})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"action","scope":"panel","actionName":"set","args":[5,"x",{"a":1}]}`, string(data))
}

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{
			name: "action",
			in:   `{"kind":"action","scope":"global","actionName":"increment","args":[1]}`,
			want: Action{Scope: "global", Name: "increment", Args: Args{json.RawMessage(`1`)}},
		},
		{
			name: "action without args",
			in:   `{"kind":"action","scope":"global","actionName":"reset"}`,
			want: Action{Scope: "global", Name: "reset", Args: Args{}},
		},
		{
			name: "init",
			in:   `{"kind":"init","data":{"page":{"count":0}}}`,
			want: Init{Data: map[string]json.RawMessage{"page": json.RawMessage(`{"count":0}`)}},
		},
		{
			name: "init without data",
			in:   `{"kind":"init"}`,
			want: Init{Data: map[string]json.RawMessage{}},
		},
		{
			name: "sync",
			in:   `{"kind":"sync"}`,
			want: Sync{},
		},
		{
			name: "legacy type field",
			in:   `{"type":"sync"}`,
			want: Sync{},
		},
		{
			name: "custom",
			in:   `{"kind":"rpc","method":"save"}`,
			want: Custom{Type: "rpc", Raw: json.RawMessage(`{"kind":"rpc","method":"save"}`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`{"scope":"global"}`))
	assert.ErrorIs(t, err, ErrMissingMessageType)

	_, err = Decode([]byte(`null`))
	assert.ErrorIs(t, err, ErrMissingMessageType)

	_, err = Decode([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode([]byte(`{"kind":"init","data":[1]}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCustomRoundTripKeepsRaw(t *testing.T) {
	in := []byte(`{"kind":"rpc","id":7}`)
	msg, err := Decode(in)
	require.NoError(t, err)
	out, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestArgs(t *testing.T) {
	args, err := NewArgs(3, "step")
	require.NoError(t, err)
	assert.Equal(t, 2, args.Len())

	var n int
	require.NoError(t, args.Decode(0, &n))
	assert.Equal(t, 3, n)
	assert.Error(t, args.Decode(2, &n))

	assert.True(t, args.Equal(Args{json.RawMessage(` 3 `), json.RawMessage(`"step"`)}))
	assert.False(t, args.Equal(Args{json.RawMessage(`3`)}))
	assert.False(t, args.Equal(Args{json.RawMessage(`4`), json.RawMessage(`"step"`)}))
}

func TestParseName(t *testing.T) {
	known := func(c string) bool { return c == "panel" || c == "control-panel" || c == "agent" }

	tests := []struct {
		name   string
		in     string
		sender string
		want   Identity
		err    error
	}{
		{name: "dash", in: "panel-42", want: Identity{Channel: "panel", ScopeID: "42"}},
		{name: "hash", in: "panel#42", want: Identity{Channel: "panel", ScopeID: "42"}},
		{name: "hash with instance", in: "agent#42#abc", want: Identity{Channel: "agent", ScopeID: "42", Instance: "abc"}},
		{name: "dashed channel", in: "control-panel-7", want: Identity{Channel: "control-panel", ScopeID: "7"}},
		{name: "sender wins", in: "panel-42", sender: "9", want: Identity{Channel: "panel", ScopeID: "9"}},
		{name: "known channel with sender", in: "control-panel", sender: "3", want: Identity{Channel: "control-panel", ScopeID: "3"}},
		{name: "unknown channel still parsed", in: "mystery-7", want: Identity{Channel: "mystery", ScopeID: "7"}},
		{name: "no suffix", in: "panel", err: ErrMissingScope},
		{name: "empty suffix", in: "panel-", err: ErrMissingScope},
		{name: "empty hash suffix", in: "panel#", err: ErrMissingScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseName(tt.in, tt.sender, known)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatNameRoundTrip(t *testing.T) {
	id, err := ParseName(FormatName("panel", "42"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, Identity{Channel: "panel", ScopeID: "42"}, id)

	id, err = ParseName(FormatInstanceName("page-agent", "42", "x1"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, Identity{Channel: "page-agent", ScopeID: "42", Instance: "x1"}, id)
}

func TestErrorContext(t *testing.T) {
	err := fmt.Errorf("accept: %w", &Error{Code: CodeUnknownChannel, Name: "mystery-7", Channel: "mystery", ScopeID: "7"})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.False(t, errors.Is(err, ErrMissingScope))
	assert.Equal(t, CodeUnknownChannel, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, `UnknownChannel name="mystery-7" channel="mystery" scope_id="7"`, (&Error{Code: CodeUnknownChannel, Name: "mystery-7", Channel: "mystery", ScopeID: "7"}).Error())
}
