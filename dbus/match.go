package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// maxMatchArg is the highest argument index that match rules can
// filter on.
const maxMatchArg = 63

// Match is a filter that matches DBus signals.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// MatchSignal returns a Match for the named signal of the given
// interface.
func MatchSignal(iface, member string) *Match {
	return &Match{
		iface:  value.Just(iface),
		member: value.Just(member),
	}
}

// filterString returns the match in the string format that DBus wants
// for the AddMatch and RemoveMatch methods.
func (m *Match) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if n, ok := m.member.GetOK(); ok {
		kv("member", n)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

func (m *Match) hasArgFilters() bool {
	return len(m.argStr) > 0 || len(m.argPath) > 0 || m.arg0NS.Present()
}

// matches reports whether sig matches the filter, using the same
// match logic that the bus uses on the match's filterString().
//
// This is necessary because a DBus connection receives a single
// stream of signals. When multiple Watchers are active, the received
// signals are the union of all the Watchers' filters, and so each one
// needs to do additional filtering on received signals.
//
// ownerOf maps a well-known bus name to the unique name of its
// current owner, since signals always carry the unique name of their
// sender.
func (m *Match) matches(sig *Signal, ownerOf func(string) string) bool {
	if s, ok := m.sender.GetOK(); ok && sig.Sender != s {
		if owner := ownerOf(s); owner == "" || owner != sig.Sender {
			return false
		}
	}
	if o, ok := m.object.GetOK(); ok && sig.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && sig.Path != p && !sig.Path.IsChildOf(p) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && sig.Interface != i {
		return false
	}
	if n, ok := m.member.GetOK(); ok && sig.Member != n {
		return false
	}
	if !m.hasArgFilters() {
		return true
	}

	args, err := sig.Values()
	if err != nil {
		return false
	}
	// argStr returns the i-th argument if it is a string or object
	// path.
	argStr := func(i int) (string, bool) {
		if i >= len(args) {
			return "", false
		}
		switch sig.Signature.Type(i).Kind() {
		case KindString, KindObjectPath:
			return string(args[i].(String)), true
		}
		return "", false
	}

	for i, want := range m.argStr {
		if got, ok := argStr(i); !ok || got != want || sig.Signature.Type(i).Kind() != KindString {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := argStr(i)
		if !ok {
			return false
		}
		if p := ObjectPath(got); p != want && !p.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := argStr(0)
		if !ok || sig.Signature.Type(0).Kind() != KindString {
			return false
		}
		if got != n && !strings.HasPrefix(got, n+".") {
			return false
		}
	}

	return true
}

// Sender restricts the match to signals sent by the given bus name.
//
// If name is a well-known name, the Watcher tracks its ownership and
// matches signals from whichever peer currently owns it.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Peer restricts the match to a single source Peer.
func (m *Match) Peer(p Peer) *Match {
	return m.Sender(p.Name())
}

// Object restricts the match to a single source path.
func (m *Match) Object(o ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Clean())
	return m
}

// ObjectPrefix restricts the match to sending Objects rooted at the
// given path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o.Clean())
	}
	return m
}

// Interface restricts the match to signals of the given interface.
func (m *Match) Interface(name string) *Match {
	m.iface = value.Just(name)
	return m
}

// Member restricts the match to signals with the given name.
func (m *Match) Member(name string) *Match {
	m.member = value.Just(name)
	return m
}

func checkArgIndex(i int) {
	if i < 0 || i > maxMatchArg {
		panic(fmt.Errorf("invalid match argument index %d, must be 0..%d", i, maxMatchArg))
	}
}

// ArgStr restricts the match to signals whose i-th body field is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	checkArgIndex(i)
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th body field
// is a string or ObjectPath with the given prefix.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	checkArgIndex(i)
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first body field
// is a peer or interface name with the given dot-separated prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func (m *Match) String() string {
	return m.filterString()
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
