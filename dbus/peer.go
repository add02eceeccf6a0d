package dbus

import (
	"context"
)

// Peer is a named participant on the bus.
type Peer struct {
	c    *Conn
	name string
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface(ifacePeer).Call(ctx, "Ping", Signature{})
	return err
}

// Conn returns the DBus connection associated with the peer.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

// IsUniqueName reports whether the peer's name is a unique connection
// name, rather than a well-known name.
func (p Peer) IsUniqueName() bool { return isUniqueName(p.name) }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a handle for the object at path, hosted by the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
