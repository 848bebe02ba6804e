// Package transport defines the named, message-oriented connection primitive
// that the coordinator and its clients talk over.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Send after the handle closed.
	ErrClosed = errors.New("transport: handle closed")

	// ErrBufferFull is returned when the outbound buffer cannot take more messages.
	ErrBufferFull = errors.New("transport: send buffer full")
)

// Sender is host-supplied metadata about the peer that opened a handle.
type Sender struct {
	ScopeID string // page/tab identity, empty when the host does not know it
	Origin  string
}

// Handle is one end of a named connection.
//
// Messages are delivered to the OnMessage listener in send order on a single
// goroutine. Messages that arrive before a listener is attached are held
// until one is. OnClose listeners fire once, after every message delivered
// before the close; registering after the close fires the listener
// immediately.
type Handle interface {
	Name() string
	Sender() Sender
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// Dialer opens client-side handles.
type Dialer interface {
	Open(ctx context.Context, name string) (Handle, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, name string) (Handle, error)

func (f DialerFunc) Open(ctx context.Context, name string) (Handle, error) { return f(ctx, name) }

// AcceptFunc receives coordinator-side handles as they connect.
type AcceptFunc func(h Handle)
