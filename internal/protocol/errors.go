package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a routing or replication failure.
type Code string

const (
	CodeDuplicateConnection  Code = "DuplicateConnection"
	CodeUnknownChannel       Code = "UnknownChannel"
	CodeMissingScope         Code = "MissingScope"
	CodeNoConnectHandler     Code = "NoConnectHandler"
	CodeNoDisconnectHandler  Code = "NoDisconnectHandler"
	CodeMissingMessageType   Code = "MissingMessageType"
	CodeUnknownRoutingScope  Code = "UnknownRoutingScope"
	CodeUnhandledMessageKind Code = "UnhandledMessageKind"
	CodeNotConnected         Code = "NotConnected"
	CodeListenerNotFound     Code = "ListenerNotFound"
	CodeMalformedMessage     Code = "MalformedMessage"
	CodeUnknownAction        Code = "UnknownAction"
	CodeNotFound             Code = "NotFound"
)

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrDuplicateConnection  = &Error{Code: CodeDuplicateConnection}
	ErrUnknownChannel       = &Error{Code: CodeUnknownChannel}
	ErrMissingScope         = &Error{Code: CodeMissingScope}
	ErrNoConnectHandler     = &Error{Code: CodeNoConnectHandler}
	ErrNoDisconnectHandler  = &Error{Code: CodeNoDisconnectHandler}
	ErrMissingMessageType   = &Error{Code: CodeMissingMessageType}
	ErrUnknownRoutingScope  = &Error{Code: CodeUnknownRoutingScope}
	ErrUnhandledMessageKind = &Error{Code: CodeUnhandledMessageKind}
	ErrNotConnected         = &Error{Code: CodeNotConnected}
	ErrListenerNotFound     = &Error{Code: CodeListenerNotFound}
	ErrMalformedMessage     = &Error{Code: CodeMalformedMessage}
	ErrUnknownAction        = &Error{Code: CodeUnknownAction}
	ErrNotFound             = &Error{Code: CodeNotFound}
)

// Error carries enough context to reproduce a failure: which connection,
// which channel and scope, and which message kind or action was involved.
type Error struct {
	Code    Code
	Name    string // connection name
	Channel string
	ScopeID string
	Kind    Kind
	Scope   string // routing scope of an action
	Action  string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	field := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, " %s=%q", k, v)
		}
	}
	field("name", e.Name)
	field("channel", e.Channel)
	field("scope_id", e.ScopeID)
	field("kind", string(e.Kind))
	field("scope", e.Scope)
	field("action", e.Action)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the taxonomy code of err, or "" if err is not a protocol error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
