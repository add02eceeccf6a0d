package dbus

import (
	"context"
	"encoding/xml"
	"fmt"
)

// Object is an object path hosted by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Interface returns a handle for the named interface on the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Child returns the object at the given path relative to o.
func (o Object) Child(name string) Object {
	return o.p.Object(o.path.Child(name))
}

// Introspect returns the object's self-description.
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	reply, err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect", Signature{})
	if err != nil {
		return nil, err
	}
	raw, err := reply.String(0)
	if err != nil {
		return nil, err
	}
	var ret ObjectDescription
	if err := xml.Unmarshal([]byte(raw), &ret); err != nil {
		return nil, fmt.Errorf("parsing introspection of %s: %w", o, err)
	}
	return &ret, nil
}
