package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dbusbridge/dbus/fragments"
	"github.com/danderson/dbusbridge/dbus/transport"
)

const (
	busName = "org.freedesktop.DBus"
	busPath = ObjectPath("/org/freedesktop/DBus")

	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProps          = "org.freedesktop.DBus.Properties"
)

const systemBusPath = "/run/dbus/system_bus_socket"

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		path, err := ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		return Dial(ctx, path)
	}
	return Dial(ctx, systemBusPath)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	path, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, path)
}

// ParseAddress returns the socket path of the first usable address in
// a DBus server address list, such as the value of
// DBUS_SESSION_BUS_ADDRESS.
//
// Only unix:path= and unix:abstract= addresses are supported.
// Abstract socket names are returned with a leading '@'.
func ParseAddress(addrs string) (string, error) {
	for _, uri := range strings.Split(addrs, ";") {
		rest, ok := strings.CutPrefix(uri, "unix:")
		if !ok {
			continue
		}
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			v, err := url.PathUnescape(v)
			if err != nil {
				return "", fmt.Errorf("invalid escaping in bus address %q: %w", uri, err)
			}
			switch k {
			case "path":
				return v, nil
			case "abstract":
				return "@" + v, nil
			}
		}
	}
	return "", fmt.Errorf("could not find usable bus address in %q", addrs)
}

// Dial connects to the bus listening on the unix socket at path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	ret := &Conn{
		t:         t,
		enc:       fragments.Encoder{Order: fragments.NativeEndian},
		calls:     map[uint32]*pendingCall{},
		watchers:  mapset.New[*Watcher](),
		claims:    mapset.New[*Claim](),
		objects:   map[ObjectPath]*exportedObject{},
		owners:    map[string]string{},
		ownerRefs: map[string]int{},
		ownerSeq:  map[string]uint64{},
	}
	ret.bus = ret.Peer(busName).Object(busPath).Interface(ifaceBus)

	go ret.readLoop()

	reply, err := ret.bus.Call(ctx, "Hello", Signature{})
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	id, err := reply.String(0)
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	ret.clientID = id

	return ret, nil
}

// Conn is a DBus connection.
type Conn struct {
	t        transport.Transport
	clientID string

	bus Interface

	writeMu sync.Mutex
	enc     fragments.Encoder

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*pendingCall
	lastSerial uint32
	watchers   mapset.Set[*Watcher]
	claims     mapset.Set[*Claim]
	objects    map[ObjectPath]*exportedObject

	// owners maps tracked well-known names to their current unique
	// owner, or "" if the name has no owner.
	owners    map[string]string
	ownerRefs map[string]int
	ownerSeq  map[string]uint64
}

type pendingCall struct {
	notify chan struct{}
	reply  *msg
	err    error
}

// msg is a received DBus message.
type msg struct {
	*header
	body []byte
}

// Values decodes the message body.
func (m *msg) Values() ([]Value, error) {
	return Unmarshal(m.Signature, m.body, m.Order)
}

func (c *Conn) lockedWatchers() iter.Seq[*Watcher] {
	return func(yield func(*Watcher) bool) {
		c.mu.Lock()
		ws := maps.Clone(c.watchers)
		c.mu.Unlock()
		for w := range ws {
			if !yield(w) {
				return
			}
		}
	}
}

// Close closes the DBus connection.
func (c *Conn) Close() error {
	var (
		pend map[uint32]*pendingCall
		ws   mapset.Set[*Watcher]
		cs   mapset.Set[*Claim]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		pend, c.calls = c.calls, nil
		ws, c.watchers = c.watchers, nil
		cs, c.claims = c.claims, nil
		c.mu.Unlock()
	}
	for p := range maps.Values(pend) {
		p.err = net.ErrClosed
		close(p.notify)
	}
	for w := range ws {
		w.Close()
	}
	for cl := range cs {
		cl.Close()
	}
	return c.t.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

func (c *Conn) nextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial
}

// send encodes args as the body of a message with the given header,
// and writes the message to the bus.
func (c *Conn) send(hdr *header, sig Signature, args []Value) error {
	body, err := Marshal(sig, args, c.enc.Order)
	if err != nil {
		return err
	}
	hdr.Version = 1
	hdr.Signature = sig
	hdr.Length = uint32(len(body))
	if err := hdr.Valid(); err != nil {
		return err
	}
	return c.writeMsg(hdr, body)
}

func (c *Conn) writeMsg(hdr *header, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.enc.Out = c.enc.Out[:0]
	if err := hdr.encode(&c.enc); err != nil {
		return err
	}
	if len(c.enc.Out)+len(body) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds maximum size %d", len(c.enc.Out)+len(body), maxMessageSize)
	}

	if _, err := c.t.Write(c.enc.Out); err != nil {
		return err
	}
	if _, err := c.t.Write(body); err != nil {
		return err
	}

	return nil
}

func (c *Conn) readLoop() {
	for {
		raw, hdrLen, err := c.readMsg()
		if err != nil {
			// Read errors leave the message stream in an unknown
			// state, and are fatal to the Conn.
			if !c.isClosed() && !errors.Is(err, net.ErrClosed) {
				log.Error("dbus connection failed", "err", err)
			}
			c.Close()
			return
		}
		if err := c.dispatchMsg(raw, hdrLen); err != nil {
			// The message was framed correctly, so the stream is
			// still usable. Drop the bad message.
			log.Warn("dropping invalid dbus message", "err", err)
		}
	}
}

// readMsg reads one complete DBus message from c.t, and returns the
// raw message and the length of its header. Must not be called
// concurrently (Conn.readLoop ensures this).
func (c *Conn) readMsg() ([]byte, int, error) {
	var prefix [fixedHeaderLen]byte
	if _, err := io.ReadFull(c.t, prefix[:]); err != nil {
		return nil, 0, err
	}
	_, hdrLen, bodyLen, err := headerLen(prefix[:])
	if err != nil {
		return nil, 0, err
	}
	raw := make([]byte, hdrLen+bodyLen)
	copy(raw, prefix[:])
	if _, err := io.ReadFull(c.t, raw[fixedHeaderLen:]); err != nil {
		return nil, 0, err
	}
	return raw, hdrLen, nil
}

func (c *Conn) dispatchMsg(raw []byte, hdrLen int) error {
	hdr, err := decodeHeader(raw[:hdrLen])
	if err != nil {
		return fmt.Errorf("decoding header: %w", err)
	}
	if err := hdr.Valid(); err != nil {
		return fmt.Errorf("received invalid header: %w", err)
	}
	if hdr.NumFDs != 0 {
		return fmt.Errorf("received message with %d unsupported file descriptors", hdr.NumFDs)
	}
	m := &msg{hdr, raw[hdrLen:]}

	switch hdr.Type {
	case msgTypeCall:
		go c.dispatchCall(m)
	case msgTypeReturn, msgTypeError:
		c.dispatchReply(m)
	case msgTypeSignal:
		c.dispatchSignal(m)
	}
	return nil
}

func (c *Conn) dispatchReply(m *msg) {
	pending := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[m.ReplySerial]
		delete(c.calls, m.ReplySerial)
		return ret
	}()

	if pending == nil {
		// Response to a canceled call
		return
	}

	if m.Type == msgTypeError {
		pending.err = callErrorOf(m)
	} else {
		pending.reply = m
	}
	close(pending.notify)
}

func callErrorOf(m *msg) CallError {
	ret := CallError{Name: m.ErrName}
	if m.Signature.IsZero() || m.Signature.Type(0).Kind() != KindString {
		return ret
	}
	vs, err := m.Values()
	if err != nil {
		ret.Detail = fmt.Sprintf("got error while decoding error detail: %v", err)
		return ret
	}
	ret.Detail = string(vs[0].(String))
	return ret
}

func (c *Conn) dispatchSignal(m *msg) {
	if m.Sender == busName && m.Interface == ifaceBus && m.Member == "NameOwnerChanged" {
		c.updateOwner(m)
	}

	for w := range c.lockedWatchers() {
		w.deliverSignal(&Signal{
			Sender:    m.Sender,
			Path:      m.Path,
			Interface: m.Interface,
			Member:    m.Member,
			Signature: m.Signature,
			Body:      m.body,
			Order:     m.Order,
		})
	}
}

// call calls a remote method over the bus, and returns the reply
// message.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, sig Signature, args []Value, noReply bool) (*msg, error) {
	serial, pending := func() (uint32, *pendingCall) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return 0, nil
		}

		c.lastSerial++
		if c.lastSerial == 0 {
			c.lastSerial++
		}
		pend := &pendingCall{
			notify: make(chan struct{}),
		}
		if !noReply {
			c.calls[c.lastSerial] = pend
		}
		return c.lastSerial, pend
	}()
	if pending == nil {
		return nil, net.ErrClosed
	}
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.calls[serial] == pending {
			delete(c.calls, serial)
		}
	}()

	hdr := header{
		Type:        msgTypeCall,
		Flags:       contextCallFlags(ctx),
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}
	if noReply {
		hdr.Flags |= flagNoReplyExpected
	}

	if err := c.send(&hdr, sig, args); err != nil {
		return nil, err
	}

	if !hdr.WantReply() {
		return nil, nil
	}

	select {
	case <-pending.notify:
		return pending.reply, pending.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmitSignal broadcasts a signal from the object at path.
func (c *Conn) EmitSignal(ctx context.Context, path ObjectPath, iface, member string, sig Signature, args ...Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	serial := c.nextSerial()
	if serial == 0 {
		return net.ErrClosed
	}
	hdr := header{
		Type:      msgTypeSignal,
		Serial:    serial,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	return c.send(&hdr, sig, args)
}
