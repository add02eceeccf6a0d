package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/danderson/dbusbridge/dbus"
)

// Kind classifies a bridge failure.
//
// Kind implements error, so that errors.Is(err, bridge.Timeout)
// reports whether err is a [Fault] of that kind.
type Kind int

const (
	// Unclassified is the kind of errors that do not belong to the
	// bridge's taxonomy, such as I/O errors on the bus connection.
	Unclassified Kind = iota
	InvalidSignature
	TypeMismatch
	ArityMismatch
	IntegerOverflow
	ArgumentMismatch
	UnknownDestination
	UnknownObject
	UnknownInterface
	UnknownMethod
	RemoteFault
	MalformedEvent
	Timeout
)

var kindNames = [...]string{
	Unclassified:       "Unclassified",
	InvalidSignature:   "InvalidSignature",
	TypeMismatch:       "TypeMismatch",
	ArityMismatch:      "ArityMismatch",
	IntegerOverflow:    "IntegerOverflow",
	ArgumentMismatch:   "ArgumentMismatch",
	UnknownDestination: "UnknownDestination",
	UnknownObject:      "UnknownObject",
	UnknownInterface:   "UnknownInterface",
	UnknownMethod:      "UnknownMethod",
	RemoteFault:        "RemoteFault",
	MalformedEvent:     "MalformedEvent",
	Timeout:            "Timeout",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) Error() string { return k.String() }

// Fault is a structured bridge failure.
type Fault struct {
	// Kind is the machine-readable failure class.
	Kind Kind
	// Text is a human-readable explanation.
	Text string
	// Err is the underlying error, if any.
	Err error
}

func faultf(k Kind, err error, format string, args ...any) *Fault {
	return &Fault{
		Kind: k,
		Text: fmt.Sprintf(format, args...),
		Err:  err,
	}
}

func (f *Fault) Error() string {
	switch {
	case f.Text != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Text, f.Err)
	case f.Text != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Text)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return f.Kind.String()
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// Is reports whether target is f's Kind, or a Fault of the same
// Kind.
func (f *Fault) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return t == f.Kind
	case *Fault:
		return t.Kind == f.Kind
	}
	return false
}

// KindOf classifies err.
//
// Faults report their own Kind. Codec errors are classified by the
// dbus sentinel they wrap, DBus error replies are RemoteFaults, and
// expired deadlines are Timeouts. Anything else is Unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return Unclassified
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, dbus.ErrInvalidSignature):
		return InvalidSignature
	case errors.Is(err, dbus.ErrArityMismatch):
		return ArityMismatch
	case errors.Is(err, dbus.ErrIntegerOverflow):
		return IntegerOverflow
	case errors.Is(err, dbus.ErrTypeMismatch):
		return TypeMismatch
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case dbus.IsCallError(err, dbus.ErrNameNoReply):
		return Timeout
	}
	var ce dbus.CallError
	if errors.As(err, &ce) {
		return RemoteFault
	}
	return Unclassified
}
