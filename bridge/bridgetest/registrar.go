package bridgetest

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dbusbridge/bridge"
	"github.com/danderson/dbusbridge/dbus"
	"github.com/danderson/dbusbridge/dbus/fragments"
)

// listenerQueue is the number of undelivered signals a listener
// buffers before signals are dropped.
const listenerQueue = 256

type object struct {
	ifaces    map[string]map[string]*bridge.Method
	signals   map[string]*dbus.SignalDescription
	listeners mapset.Set[chan *dbus.Signal]
}

// Registrar is an in-memory [bridge.Registrar].
//
// A new Registrar hosts the test object. Tests can add methods to it
// with [Registrar.Handle], and control signal delivery with
// [Registrar.Inject] and [Registrar.DropListeners].
type Registrar struct {
	mu      sync.Mutex
	objects map[bridge.Origin]*object
	calls   int
}

// NewRegistrar returns a Registrar hosting the test object.
func NewRegistrar() *Registrar {
	r := &Registrar{
		objects: map[bridge.Origin]*object{},
	}
	origin := bridge.Origin{Name: Name, Path: Path}
	emit := func(ctx context.Context, member string, sig dbus.Signature, args []dbus.Value) error {
		return r.Emit(origin, Interface, member, sig, args...)
	}
	for _, m := range methods {
		call := m.call
		r.Handle(origin, Interface, m.name, dbus.MustParseSignature(m.in), dbus.MustParseSignature(m.out), func(ctx context.Context, args []dbus.Value) ([]dbus.Value, error) {
			return call(ctx, emit, args)
		})
	}
	obj := r.objects[origin]
	for _, s := range signals {
		obj.signals[Interface+"."+s.name] = &dbus.SignalDescription{Name: s.name, Args: s.describe()}
	}
	return r
}

func (r *Registrar) objectLocked(o bridge.Origin) *object {
	obj := r.objects[o]
	if obj == nil {
		obj = &object{
			ifaces:    map[string]map[string]*bridge.Method{},
			signals:   map[string]*dbus.SignalDescription{},
			listeners: mapset.New[chan *dbus.Signal](),
		}
		r.objects[o] = obj
	}
	return obj
}

// Handle adds a method to the object at o, creating the object if
// needed.
func (r *Registrar) Handle(o bridge.Origin, iface, name string, in, out dbus.Signature, fn bridge.CallFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj := r.objectLocked(o)
	if obj.ifaces[iface] == nil {
		obj.ifaces[iface] = map[string]*bridge.Method{}
	}
	obj.ifaces[iface][name] = &bridge.Method{
		Interface: iface,
		Name:      name,
		In:        in,
		Out:       out,
		Call: func(ctx context.Context, args []dbus.Value) ([]dbus.Value, error) {
			r.mu.Lock()
			r.calls++
			r.mu.Unlock()
			return fn(ctx, args)
		},
	}
}

// Calls returns the number of method calls the registrar's objects
// have received.
func (r *Registrar) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *Registrar) lookup(dest string, path dbus.ObjectPath) (*object, error) {
	found := false
	for o, obj := range r.objects {
		if o.Name != dest {
			continue
		}
		found = true
		if o.Path == path {
			return obj, nil
		}
	}
	if !found {
		return nil, &bridge.Fault{Kind: bridge.UnknownDestination, Text: "no peer named " + dest}
	}
	return nil, &bridge.Fault{Kind: bridge.UnknownObject, Text: "no object " + string(path) + " on " + dest}
}

// Resolve implements [bridge.Registrar].
func (r *Registrar) Resolve(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string) (*bridge.Method, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, err := r.lookup(dest, path)
	if err != nil {
		return nil, err
	}
	if iface == "" {
		for _, ms := range obj.ifaces {
			if m := ms[method]; m != nil {
				return m, nil
			}
		}
		return nil, &bridge.Fault{Kind: bridge.UnknownMethod, Text: "no method " + method}
	}
	ms := obj.ifaces[iface]
	if ms == nil {
		return nil, &bridge.Fault{Kind: bridge.UnknownInterface, Text: "no interface " + iface}
	}
	m := ms[method]
	if m == nil {
		return nil, &bridge.Fault{Kind: bridge.UnknownMethod, Text: "no method " + iface + "." + method}
	}
	return m, nil
}

// Register implements [bridge.Registrar].
func (r *Registrar) Register(ctx context.Context, dest string, path dbus.ObjectPath) (*bridge.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, err := r.lookup(dest, path)
	if err != nil {
		return nil, err
	}
	origin := bridge.Origin{Name: dest, Path: path}
	return &bridge.Object{
		Origin:  origin,
		Signals: obj.signals,
		Listen: func(ctx context.Context) (<-chan *dbus.Signal, error) {
			return r.listen(ctx, obj)
		},
	}, nil
}

func (r *Registrar) listen(ctx context.Context, obj *object) (<-chan *dbus.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan *dbus.Signal, listenerQueue)
	r.mu.Lock()
	obj.listeners.Add(ch)
	r.mu.Unlock()
	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if obj.listeners.Has(ch) {
			delete(obj.listeners, ch)
			close(ch)
		}
	})
	return ch, nil
}

// Listeners returns the number of open signal listeners on the object
// at o.
func (r *Registrar) Listeners(o bridge.Origin) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj := r.objects[o]; obj != nil {
		return len(obj.listeners)
	}
	return 0
}

// Emit sends a signal from the object at o to its listeners.
func (r *Registrar) Emit(o bridge.Origin, iface, member string, sig dbus.Signature, args ...dbus.Value) error {
	body, err := dbus.Marshal(sig, args, fragments.LittleEndian)
	if err != nil {
		return err
	}
	r.Inject(o, &dbus.Signal{
		Sender:    o.Name,
		Path:      o.Path,
		Interface: iface,
		Member:    member,
		Signature: sig,
		Body:      body,
		Order:     fragments.LittleEndian,
	})
	return nil
}

// Inject delivers sig to the listeners of the object at o as is. It
// can deliver signals whose body does not match their signature.
func (r *Registrar) Inject(o bridge.Origin, sig *dbus.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj := r.objects[o]
	if obj == nil {
		return
	}
	for ch := range obj.listeners {
		select {
		case ch <- sig:
		default:
		}
	}
}

// DropListeners closes all the signal listeners of the object at o,
// as if its signal source had failed.
func (r *Registrar) DropListeners(o bridge.Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj := r.objects[o]
	if obj == nil {
		return
	}
	for ch := range obj.listeners {
		close(ch)
	}
	clear(obj.listeners)
}
