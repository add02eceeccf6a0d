package dbus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature is the sentinel for malformed or
	// unsupported type signatures.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrTypeMismatch is the sentinel for values whose kind does not
	// match the type they are being encoded or checked against.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrArityMismatch is the sentinel for structs and argument lists
	// with the wrong number of values.
	ErrArityMismatch = errors.New("arity mismatch")
	// ErrIntegerOverflow is the sentinel for integers that do not fit
	// in the width of their declared type.
	ErrIntegerOverflow = errors.New("integer overflow")
	// ErrMalformed is the sentinel for wire data that does not
	// conform to the DBus encoding rules.
	ErrMalformed = errors.New("malformed message")
)

// SignatureError is the error returned when a type signature cannot
// be parsed.
type SignatureError struct {
	// Signature is the complete signature string being parsed.
	Signature string
	// Offset is the byte offset in Signature at which parsing failed.
	Offset int
	// Fragment is the portion of Signature that could not be parsed.
	Fragment string
	// Reason explains what is wrong with the signature.
	Reason string
}

func (e *SignatureError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("invalid signature %q at offset %d: %s", e.Signature, e.Offset, e.Reason)
	}
	return fmt.Sprintf("invalid signature %q at offset %d (%q): %s", e.Signature, e.Offset, e.Fragment, e.Reason)
}

func (e *SignatureError) Unwrap() error {
	return ErrInvalidSignature
}

// ValueError is the error returned when a value cannot be encoded,
// decoded or checked against a type.
type ValueError struct {
	// Signature is the type at which the failure happened.
	Signature string
	// Reason is the underlying problem. It wraps one of
	// ErrTypeMismatch, ErrArityMismatch, ErrIntegerOverflow,
	// ErrInvalidSignature or ErrMalformed.
	Reason error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("dbus value for %q: %s", e.Signature, e.Reason)
}

func (e *ValueError) Unwrap() error {
	return e.Reason
}

func valueErr(t *Type, sentinel error, format string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return &ValueError{
		Signature: ts,
		Reason:    fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// Standard error names defined by the DBus specification.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
)

// CallError is the error returned from failed DBus method calls.
//
// Method handlers may also return a CallError to send a specific
// error name back to the caller.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// IsCallError reports whether err is a CallError with the given
// error name.
func IsCallError(err error, name string) bool {
	var ce CallError
	return errors.As(err, &ce) && ce.Name == name
}
