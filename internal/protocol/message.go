// Package protocol defines the coordinator <-> client wire format: a closed
// set of message kinds, connection naming, and the routing error taxonomy.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates messages on the wire.
type Kind string

const (
	KindAction Kind = "action"
	KindInit   Kind = "init"
	KindSync   Kind = "sync"
)

// Routing scopes understood by the coordinator besides channel names.
const (
	ScopeGlobal = "global"
	ScopePage   = "page"
)

// Message is one of Action, Init, Sync or Custom.
type Message interface {
	Kind() Kind
	sealed()
}

// Action replicates a state mutation to every peer in Scope.
type Action struct {
	Scope string
	Name  string
	Args  Args
}

// Init carries a full snapshot, one entry per replicated scope.
type Init struct {
	Data map[string]json.RawMessage
}

// Sync asks the coordinator for an Init.
type Sync struct{}

// Custom is any collaborator-defined kind. Raw holds the full encoded message.
type Custom struct {
	Type Kind
	Raw  json.RawMessage
}

func (Action) Kind() Kind   { return KindAction }
func (Init) Kind() Kind     { return KindInit }
func (Sync) Kind() Kind     { return KindSync }
func (c Custom) Kind() Kind { return c.Type }

func (Action) sealed() {}
func (Init) sealed()   {}
func (Sync) sealed()   {}
func (Custom) sealed() {}

// Args are the JSON-encoded arguments of an action.
type Args []json.RawMessage

// NewArgs encodes each value as one argument.
func NewArgs(vals ...any) (Args, error) {
	args := make(Args, 0, len(vals))
	for i, v := range vals {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		args = append(args, raw)
	}
	return args, nil
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("arg %d out of range (have %d)", i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// Equal compares arguments by their compacted JSON.
func (a Args) Equal(b Args) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		var x, y bytes.Buffer
		if json.Compact(&x, a[i]) != nil || json.Compact(&y, b[i]) != nil {
			return false
		}
		if !bytes.Equal(x.Bytes(), y.Bytes()) {
			return false
		}
	}
	return true
}

type envelope struct {
	Kind       Kind            `json:"kind,omitempty"`
	Type       Kind            `json:"type,omitempty"` // legacy discriminant
	Scope      string          `json:"scope,omitempty"`
	ActionName string          `json:"actionName,omitempty"`
	Args       Args            `json:"args,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type actionWire struct {
	Kind       Kind   `json:"kind"`
	Scope      string `json:"scope"`
	ActionName string `json:"actionName"`
	Args       Args   `json:"args"`
}

type initWire struct {
	Kind Kind                       `json:"kind"`
	Data map[string]json.RawMessage `json:"data"`
}

type kindWire struct {
	Kind Kind `json:"kind"`
}

// Encode serialises a message.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Action:
		args := m.Args
		if args == nil {
			args = Args{}
		}
		return json.Marshal(actionWire{Kind: KindAction, Scope: m.Scope, ActionName: m.Name, Args: args})
	case Init:
		data := m.Data
		if data == nil {
			data = map[string]json.RawMessage{}
		}
		return json.Marshal(initWire{Kind: KindInit, Data: data})
	case Sync:
		return json.Marshal(kindWire{Kind: KindSync})
	case Custom:
		if len(m.Raw) > 0 {
			return m.Raw, nil
		}
		return json.Marshal(kindWire{Kind: m.Type})
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
}

// Decode parses a message. A missing kind is ErrMissingMessageType; bytes that
// are not a JSON object are ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: CodeMalformedMessage, Err: err}
	}
	kind := env.Kind
	if kind == "" {
		kind = env.Type
	}
	if kind == "" {
		return nil, &Error{Code: CodeMissingMessageType}
	}

	switch kind {
	case KindAction:
		args := env.Args
		if args == nil {
			args = Args{}
		}
		return Action{Scope: env.Scope, Name: env.ActionName, Args: args}, nil
	case KindInit:
		snap := map[string]json.RawMessage{}
		if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
			if err := json.Unmarshal(env.Data, &snap); err != nil {
				return nil, &Error{Code: CodeMalformedMessage, Kind: KindInit, Err: err}
			}
		}
		return Init{Data: snap}, nil
	case KindSync:
		return Sync{}, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Custom{Type: kind, Raw: raw}, nil
	}
}
