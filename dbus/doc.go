// Package dbus is a DBus client built around dynamically typed
// values.
//
// Types are described by [Type] trees parsed from DBus signature
// strings with [ParseSignature] and [ParseType]. Values are
// represented by the sealed [Value] interface, whose concrete kinds
// ([Bool], [Int], [Uint], [Float], [String], [Array], [Struct],
// [Dict] and [Variant]) carry full precision and are narrowed to the
// width of their Type only when encoded. [Marshal] and [Unmarshal]
// convert between Values and the DBus wire format, in either byte
// order.
//
// Encoding is strict: a Value must have the kind its Type calls
// for, integers must fit the Type's width, and struct and argument
// counts must match. Failures are reported as [*ValueError], wrapping
// one of [ErrTypeMismatch], [ErrArityMismatch], [ErrIntegerOverflow],
// [ErrInvalidSignature] or [ErrMalformed].
//
// A [Conn] is a connection to a message bus. Remote objects are
// addressed through [Peer], [Object] and [Interface] handles, which
// are purely local and do not imply that the peer exists. Signals are
// received through a [Watcher], configured with one or more [Match]
// filters. Methods are exported with [Conn.Handle], and signals are
// sent with [Conn.EmitSignal].
//
// Unix file descriptor passing is not supported.
package dbus
