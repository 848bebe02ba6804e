// Package memory is an in-process transport: handle pairs joined by unbounded
// FIFO queues. The coordinator and its clients can share one process, and
// tests run without sockets.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/neboloop/tabsync/internal/transport"
)

// ErrNoListener is returned by Open when nothing accepts connections.
var ErrNoListener = errors.New("memory: no listener")

// Network connects client Opens to a single coordinator listener.
type Network struct {
	mu     sync.RWMutex
	accept transport.AcceptFunc
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{}
}

// Listen installs the coordinator's accept function.
func (n *Network) Listen(fn transport.AcceptFunc) {
	n.mu.Lock()
	n.accept = fn
	n.mu.Unlock()
}

// Open connects under name with no sender metadata.
func (n *Network) Open(ctx context.Context, name string) (transport.Handle, error) {
	return n.OpenAs(ctx, name, transport.Sender{})
}

// OpenAs connects under name, presenting sender to the coordinator. The
// listener runs before OpenAs returns.
func (n *Network) OpenAs(ctx context.Context, name string, sender transport.Sender) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	accept := n.accept
	n.mu.RUnlock()
	if accept == nil {
		return nil, ErrNoListener
	}

	client, server := Pipe(name, sender)
	accept(server)
	return client, nil
}

// Dialer returns a transport.Dialer that presents sender on every Open.
func (n *Network) Dialer(sender transport.Sender) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, name string) (transport.Handle, error) {
		return n.OpenAs(ctx, name, sender)
	})
}

// Pipe returns two joined ends. Both report name; only the server end
// carries sender metadata, as a host would present it.
func Pipe(name string, sender transport.Sender) (client, server *End) {
	client = newEnd(name, transport.Sender{})
	server = newEnd(name, sender)
	client.peer, server.peer = server, client
	return client, server
}

// End is one side of a Pipe.
type End struct {
	name   string
	sender transport.Sender
	peer   *End

	mu         sync.Mutex
	inbox      [][]byte
	onMsg      func([]byte)
	onClose    []func()
	closed     bool
	closeFired bool
	signal     chan struct{}
}

func newEnd(name string, sender transport.Sender) *End {
	e := &End{
		name:   name,
		sender: sender,
		signal: make(chan struct{}, 1),
	}
	go e.deliver()
	return e
}

func (e *End) Name() string              { return e.name }
func (e *End) Sender() transport.Sender { return e.sender }

// Send queues a copy of data for the peer.
func (e *End) Send(data []byte) error {
	p := e.peer
	msg := make([]byte, len(data))
	copy(msg, data)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrClosed
	}
	p.inbox = append(p.inbox, msg)
	p.mu.Unlock()
	p.wake()
	return nil
}

func (e *End) OnMessage(fn func([]byte)) {
	e.mu.Lock()
	e.onMsg = fn
	e.mu.Unlock()
	e.wake()
}

func (e *End) OnClose(fn func()) {
	e.mu.Lock()
	if e.closeFired {
		e.mu.Unlock()
		go fn()
		return
	}
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

// Close closes both ends. Queued messages are still delivered before the
// close listeners run.
func (e *End) Close() error {
	for _, end := range []*End{e, e.peer} {
		end.mu.Lock()
		end.closed = true
		end.mu.Unlock()
		end.wake()
	}
	return nil
}

func (e *End) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *End) deliver() {
	for range e.signal {
		for {
			e.mu.Lock()
			if e.onMsg != nil && len(e.inbox) > 0 {
				msg := e.inbox[0]
				e.inbox[0] = nil
				e.inbox = e.inbox[1:]
				fn := e.onMsg
				e.mu.Unlock()
				fn(msg)
				continue
			}
			if e.closed && (len(e.inbox) == 0 || e.onMsg == nil) {
				e.closeFired = true
				e.inbox = nil
				fns := e.onClose
				e.onClose = nil
				e.mu.Unlock()
				for _, fn := range fns {
					fn()
				}
				return
			}
			e.mu.Unlock()
			break
		}
	}
}
