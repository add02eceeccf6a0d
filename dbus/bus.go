package dbus

import (
	"context"
	"errors"
	"fmt"
)

// NameRequestFlags are the options for [Conn.RequestName].
type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

var (
	sigString       = MustParseSignature("s")
	sigStringUint32 = MustParseSignature("su")
)

// busCall calls a method on the message bus itself.
func (c *Conn) busCall(ctx context.Context, method string, sig Signature, args ...Value) (*Reply, error) {
	return c.bus.Call(ctx, method, sig, args...)
}

// RequestName asks the bus to assign name to this connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	reply, err := c.busCall(ctx, "RequestName", sigStringUint32, String(name), Uint(flags))
	if err != nil {
		return false, err
	}
	resp, err := reply.Uint(0)
	if err != nil {
		return false, err
	}
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName gives up this connection's claim to name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.busCall(ctx, "ReleaseName", sigString, String(name))
	return err
}

// ListNames returns the names currently present on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	reply, err := c.busCall(ctx, "ListNames", Signature{})
	if err != nil {
		return nil, err
	}
	return reply.Strings(0)
}

// ListActivatableNames returns the names that the bus can start on
// demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	reply, err := c.busCall(ctx, "ListActivatableNames", Signature{})
	if err != nil {
		return nil, err
	}
	return reply.Strings(0)
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	reply, err := c.busCall(ctx, "NameHasOwner", sigString, String(name))
	if err != nil {
		return false, err
	}
	return reply.Bool(0)
}

// GetNameOwner returns the unique name of name's current owner.
//
// If name has no owner, GetNameOwner returns a [CallError] named
// org.freedesktop.DBus.Error.NameHasNoOwner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	reply, err := c.busCall(ctx, "GetNameOwner", sigString, String(name))
	if err != nil {
		return "", err
	}
	return reply.String(0)
}

// BusID returns the unique ID of the bus.
func (c *Conn) BusID(ctx context.Context) (string, error) {
	reply, err := c.busCall(ctx, "GetId", Signature{})
	if err != nil {
		return "", err
	}
	return reply.String(0)
}

func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	_, err := c.busCall(ctx, "AddMatch", sigString, String(m.filterString()))
	return err
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	_, err := c.busCall(ctx, "RemoveMatch", sigString, String(m.filterString()))
	return err
}

func nameOwnerChangedMatch(name string) *Match {
	return MatchSignal(ifaceBus, "NameOwnerChanged").
		Sender(busName).
		Object(busPath).
		ArgStr(0, name)
}

// trackOwner starts following ownership changes of the well-known
// name, so that signals from its owner can be matched locally.
//
// Tracking is reference counted, each call to trackOwner must be
// paired with a call to untrackOwner.
func (c *Conn) trackOwner(ctx context.Context, name string) error {
	if name == busName || isUniqueName(name) {
		return nil
	}

	c.mu.Lock()
	c.ownerRefs[name]++
	first := c.ownerRefs[name] == 1
	c.mu.Unlock()
	if !first {
		return nil
	}

	fail := func(err error) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ownerRefs[name]--
		if c.ownerRefs[name] == 0 {
			delete(c.ownerRefs, name)
		}
		return err
	}

	if err := c.addMatch(ctx, nameOwnerChangedMatch(name)); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	seq := c.ownerSeq[name]
	c.mu.Unlock()

	owner, err := c.GetNameOwner(ctx, name)
	if err != nil && !IsCallError(err, ErrNameNameHasNoOwner) {
		c.removeMatch(context.Background(), nameOwnerChangedMatch(name))
		return fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A NameOwnerChanged signal received since the lookup started is
	// at least as fresh as the lookup result.
	if c.ownerSeq[name] == seq {
		c.owners[name] = owner
	}
	return nil
}

// untrackOwner releases a reference taken by trackOwner.
func (c *Conn) untrackOwner(name string) {
	if name == busName || isUniqueName(name) {
		return
	}
	c.mu.Lock()
	c.ownerRefs[name]--
	last := c.ownerRefs[name] <= 0
	if last {
		delete(c.ownerRefs, name)
		delete(c.owners, name)
		delete(c.ownerSeq, name)
	}
	c.mu.Unlock()
	if last {
		c.removeMatch(context.Background(), nameOwnerChangedMatch(name))
	}
}

// ownerOf returns the unique name of the current owner of name, as
// far as the Conn knows.
func (c *Conn) ownerOf(name string) string {
	if name == busName || isUniqueName(name) {
		return name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[name]
}

func (c *Conn) updateOwner(m *msg) {
	vs, err := m.Values()
	if err != nil || len(vs) != 3 {
		return
	}
	name, ok1 := vs[0].(String)
	newOwner, ok2 := vs[2].(String)
	if !ok1 || !ok2 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownerRefs[string(name)] == 0 {
		return
	}
	c.owners[string(name)] = string(newOwner)
	c.ownerSeq[string(name)]++
}
