package bridge

import (
	"context"
	"fmt"

	"github.com/danderson/dbusbridge/dbus"
)

// Origin is the stable identity of a bridged object.
type Origin struct {
	// Name is the bus name the object was registered under.
	Name string
	// Path is the object's path.
	Path dbus.ObjectPath
}

func (o Origin) String() string {
	return fmt.Sprintf("%s:%s", o.Name, o.Path)
}

// CallFunc performs a foreign method call. args conform to the
// method's input signature.
type CallFunc func(ctx context.Context, args []dbus.Value) ([]dbus.Value, error)

// Method is a resolved foreign method.
type Method struct {
	Interface string
	Name      string
	// In and Out are the method's declared input and output
	// signatures.
	In, Out dbus.Signature
	// Call invokes the method. The bridge calls it at most once per
	// call envelope.
	Call CallFunc
}

// Object is a registered foreign object, whose signals can be relayed
// to the management side.
type Object struct {
	Origin Origin
	// Signals describes the signals the object is known to emit,
	// keyed by "interface.member". It supplies argument names for
	// relayed events, and may be empty.
	Signals map[string]*dbus.SignalDescription
	// Listen opens a stream of the object's signals. The returned
	// channel is closed when ctx is canceled or the underlying
	// source fails.
	Listen func(ctx context.Context) (<-chan *dbus.Signal, error)
}

// signal returns the description of the given signal, or nil.
func (o *Object) signal(iface, member string) *dbus.SignalDescription {
	if o.Signals == nil {
		return nil
	}
	return o.Signals[iface+"."+member]
}

// A Registrar maps management-side requests onto foreign objects.
type Registrar interface {
	// Resolve finds the callable for a method. It fails with a
	// [Fault] of kind UnknownDestination, UnknownObject,
	// UnknownInterface or UnknownMethod if the target cannot be
	// found.
	Resolve(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string) (*Method, error)
	// Register returns a handle for the object at path on dest,
	// failing like Resolve if the object does not exist.
	Register(ctx context.Context, dest string, path dbus.ObjectPath) (*Object, error)
}
