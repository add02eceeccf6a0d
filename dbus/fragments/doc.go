// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus type semantics. They know about alignment, framing
// and byte order, and nothing else. The dbus package's codec builds
// typed values on top of them.
package fragments
