package hub

import "github.com/neboloop/tabsync/internal/protocol"

// Owner is told when connections of its channel open and close.
type Owner interface {
	OnConnect(c *Conn) error
	OnDisconnect(c *Conn) error
}

// OwnerFuncs adapts plain functions to Owner. A nil Connect rejects every
// connection with ErrNoConnectHandler; a nil Disconnect reports
// ErrNoDisconnectHandler when the connection closes.
type OwnerFuncs struct {
	Connect    func(c *Conn) error
	Disconnect func(c *Conn) error
}

func (o OwnerFuncs) OnConnect(c *Conn) error {
	if o.Connect == nil {
		return &protocol.Error{Code: protocol.CodeNoConnectHandler, Name: c.Name, Channel: c.Channel, ScopeID: c.ScopeID}
	}
	return o.Connect(c)
}

func (o OwnerFuncs) OnDisconnect(c *Conn) error {
	if o.Disconnect == nil {
		return &protocol.Error{Code: protocol.CodeNoDisconnectHandler, Name: c.Name, Channel: c.Channel, ScopeID: c.ScopeID}
	}
	return o.Disconnect(c)
}

// NoopOwner accepts every connection and ignores disconnects.
type NoopOwner struct{}

func (NoopOwner) OnConnect(*Conn) error    { return nil }
func (NoopOwner) OnDisconnect(*Conn) error { return nil }

// Owners runs several owners in order. OnConnect stops at the first error
// and disconnects the owners that already accepted, in reverse order;
// OnDisconnect calls every owner and returns the first error.
type Owners []Owner

func (os Owners) OnConnect(c *Conn) error {
	for i, o := range os {
		if err := o.OnConnect(c); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = os[j].OnDisconnect(c)
			}
			return err
		}
	}
	return nil
}

func (os Owners) OnDisconnect(c *Conn) error {
	var first error
	for _, o := range os {
		if err := o.OnDisconnect(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}
