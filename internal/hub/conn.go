package hub

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/transport"
)

// Conn is a live, registered connection.
type Conn struct {
	ID       ulid.ULID
	Name     string
	Channel  string
	ScopeID  string
	Instance string
	OpenedAt time.Time

	handle transport.Handle
}

// Handle returns the underlying transport handle.
func (c *Conn) Handle() transport.Handle { return c.handle }

// Send encodes msg and writes it to the connection.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return c.errorf(protocol.CodeMalformedMessage, msg.Kind(), err)
	}
	return c.sendRaw(data, msg.Kind())
}

func (c *Conn) sendRaw(data []byte, kind protocol.Kind) error {
	if err := c.handle.Send(data); err != nil {
		return c.errorf(protocol.CodeNotConnected, kind, err)
	}
	return nil
}

func (c *Conn) errorf(code protocol.Code, kind protocol.Kind, err error) *protocol.Error {
	return &protocol.Error{Code: code, Name: c.Name, Channel: c.Channel, ScopeID: c.ScopeID, Kind: kind, Err: err}
}

// Info is a serialisable view of a connection.
type Info struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Channel  string    `json:"channel"`
	ScopeID  string    `json:"scopeId"`
	Instance string    `json:"instance,omitempty"`
	OpenedAt time.Time `json:"openedAt"`
}

// Info returns the connection's serialisable view.
func (c *Conn) Info() Info {
	return Info{
		ID:       c.ID.String(),
		Name:     c.Name,
		Channel:  c.Channel,
		ScopeID:  c.ScopeID,
		Instance: c.Instance,
		OpenedAt: c.OpenedAt,
	}
}
