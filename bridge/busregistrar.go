package bridge

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/danderson/dbusbridge/dbus"
)

// BusRegistrar resolves methods and objects by introspecting peers on
// a DBus connection.
type BusRegistrar struct {
	conn *dbus.Conn

	mu    sync.Mutex
	cache map[Origin]*dbus.ObjectDescription // keyed by owner and path
}

// NewBusRegistrar returns a Registrar that reaches foreign objects
// through conn.
func NewBusRegistrar(conn *dbus.Conn) *BusRegistrar {
	return &BusRegistrar{
		conn:  conn,
		cache: map[Origin]*dbus.ObjectDescription{},
	}
}

// standardIface reports whether name is one of the interfaces every
// DBus object implements.
func standardIface(name string) bool {
	return strings.HasPrefix(name, "org.freedesktop.DBus.")
}

// owner returns the unique name that currently owns dest.
func (r *BusRegistrar) owner(ctx context.Context, dest string) (string, error) {
	if strings.HasPrefix(dest, ":") {
		ok, err := r.conn.NameHasOwner(ctx, dest)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", faultf(UnknownDestination, nil, "no peer named %q", dest)
		}
		return dest, nil
	}
	owner, err := r.conn.GetNameOwner(ctx, dest)
	if err == nil {
		return owner, nil
	}
	if !dbus.IsCallError(err, dbus.ErrNameNameHasNoOwner) {
		return "", err
	}
	// Activatable services have no owner until the first call starts
	// them.
	names, err := r.conn.ListActivatableNames(ctx)
	if err != nil {
		return "", err
	}
	if slices.Contains(names, dest) {
		return dest, nil
	}
	return "", faultf(UnknownDestination, nil, "no peer named %q", dest)
}

// describe returns the introspection data for path on dest.
func (r *BusRegistrar) describe(ctx context.Context, dest string, path dbus.ObjectPath) (*dbus.ObjectDescription, error) {
	if err := path.Valid(); err != nil {
		return nil, faultf(UnknownObject, err, "invalid object path %q", path)
	}
	owner, err := r.owner(ctx, dest)
	if err != nil {
		return nil, err
	}
	key := Origin{owner, path}
	r.mu.Lock()
	desc := r.cache[key]
	r.mu.Unlock()
	if desc != nil {
		return desc, nil
	}

	desc, err = r.conn.Peer(dest).Object(path).Introspect(ctx)
	if err != nil {
		switch {
		case dbus.IsCallError(err, dbus.ErrNameServiceUnknown), dbus.IsCallError(err, dbus.ErrNameNameHasNoOwner):
			return nil, faultf(UnknownDestination, err, "no peer named %q", dest)
		case dbus.IsCallError(err, dbus.ErrNameUnknownObject):
			return nil, faultf(UnknownObject, err, "no object %s on %s", path, dest)
		}
		return nil, err
	}
	if !slices.ContainsFunc(slices.Collect(maps.Keys(desc.Interfaces)), func(n string) bool { return !standardIface(n) }) {
		return nil, faultf(UnknownObject, nil, "no object %s on %s", path, dest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = desc
	return desc, nil
}

// Forget drops cached introspection data for objects hosted by the
// peer with the given unique name.
func (r *BusRegistrar) Forget(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.Name == owner {
			delete(r.cache, k)
		}
	}
}

func stale(err error) bool {
	return dbus.IsCallError(err, dbus.ErrNameUnknownObject) ||
		dbus.IsCallError(err, dbus.ErrNameUnknownInterface) ||
		dbus.IsCallError(err, dbus.ErrNameUnknownMethod)
}

// Resolve implements [Registrar].
//
// If iface is empty, the method is looked up in all the object's
// interfaces, and must be unique among them.
func (r *BusRegistrar) Resolve(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string) (*Method, error) {
	desc, err := r.describe(ctx, dest, path)
	if err != nil {
		return nil, err
	}

	var md *dbus.MethodDescription
	if iface == "" {
		for name, id := range desc.Interfaces {
			m := id.Method(method)
			if m == nil {
				continue
			}
			if md != nil {
				return nil, faultf(UnknownInterface, nil, "method %q is ambiguous on %s, give an interface", method, path)
			}
			iface, md = name, m
		}
		if md == nil {
			return nil, faultf(UnknownMethod, nil, "no method %q on %s", method, path)
		}
	} else {
		id := desc.Interfaces[iface]
		if id == nil {
			return nil, faultf(UnknownInterface, nil, "no interface %q on %s", iface, path)
		}
		if md = id.Method(method); md == nil {
			return nil, faultf(UnknownMethod, nil, "no method %s.%s on %s", iface, method, path)
		}
	}

	in, out := md.InSignature(), md.OutSignature()
	ifc := r.conn.Peer(dest).Object(path).Interface(iface)
	return &Method{
		Interface: iface,
		Name:      method,
		In:        in,
		Out:       out,
		Call: func(ctx context.Context, args []dbus.Value) ([]dbus.Value, error) {
			reply, err := ifc.Call(ctx, method, in, args...)
			if err != nil {
				if stale(err) {
					// The object changed since it was introspected.
					if owner, oerr := r.owner(ctx, dest); oerr == nil {
						r.Forget(owner)
					}
				}
				return nil, err
			}
			return reply.Values, nil
		},
	}, nil
}

// Register implements [Registrar].
func (r *BusRegistrar) Register(ctx context.Context, dest string, path dbus.ObjectPath) (*Object, error) {
	desc, err := r.describe(ctx, dest, path)
	if err != nil {
		return nil, err
	}

	sigs := map[string]*dbus.SignalDescription{}
	for name, id := range desc.Interfaces {
		for _, s := range id.Signals {
			sigs[name+"."+s.Name] = s
		}
	}
	return &Object{
		Origin:  Origin{dest, path},
		Signals: sigs,
		Listen: func(ctx context.Context) (<-chan *dbus.Signal, error) {
			w := r.conn.Watch()
			if _, err := w.Match(ctx, dbus.MatchAllSignals().Sender(dest).Object(path)); err != nil {
				w.Close()
				return nil, err
			}
			context.AfterFunc(ctx, w.Close)
			return w.Chan(), nil
		},
	}, nil
}
