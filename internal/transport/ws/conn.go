// Package ws carries transport handles over gorilla/websocket. The coordinator
// upgrades HTTP requests with Upgrade; clients connect with a Dialer.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/tabsync/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Init snapshots can be large.
	maxMessageSize = 1 << 20

	sendBufferSize = 256
)

// Conn is a transport.Handle over one websocket connection.
type Conn struct {
	ws     *websocket.Conn
	name   string
	sender transport.Sender
	logger *slog.Logger

	// Buffered channel of outbound messages.
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	onMsg      func([]byte)
	ready      chan struct{}
	readyOnce  sync.Once
	onClose    []func()
	closeFired bool
	closed     bool
}

func newConn(wsConn *websocket.Conn, name string, sender transport.Sender, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     wsConn,
		name:   name,
		sender: sender,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Conn) Name() string              { return c.name }
func (c *Conn) Sender() transport.Sender { return c.sender }

// Send queues data for the write pump.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return transport.ErrBufferFull
	}
}

func (c *Conn) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closeFired {
		c.mu.Unlock()
		go fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close sends a close frame and tears the connection down. Close listeners
// run once the read pump exits.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

// readPump delivers inbound messages in order on its own goroutine, holding
// them until a listener is attached.
func (c *Conn) readPump() {
	defer c.fireClose()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "name", c.name, "error", err)
			}
			return
		}

		select {
		case <-c.ready:
		case <-c.ctx.Done():
			return
		}
		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		fn(msg)
	}
}

// writePump writes queued messages and pings, and closes the socket when the
// connection is cancelled.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.drain()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes messages queued before Close.
func (c *Conn) drain() {
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) fireClose() {
	c.cancel()
	c.mu.Lock()
	c.closed = true
	c.closeFired = true
	fns := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
