package dbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

// HandlerFunc handles a method call to an exported object.
//
// args conform to the input signature the method was registered
// with, and the returned values must conform to its output
// signature. Returning a [CallError] sends that error name to the
// caller, any other error is reported as
// org.freedesktop.DBus.Error.Failed.
//
// The context carries the caller's bus name, see [ContextSender].
type HandlerFunc func(ctx context.Context, path ObjectPath, args []Value) ([]Value, error)

type exportedMethod struct {
	in, out Signature
	desc    *MethodDescription
	fn      HandlerFunc
}

type exportedInterface struct {
	methods map[string]*exportedMethod
	signals []*SignalDescription
}

type exportedObject struct {
	ifaces map[string]*exportedInterface
}

func (c *Conn) exportedInterfaceLocked(path ObjectPath, iface string) (*exportedInterface, error) {
	if c.closed {
		return nil, net.ErrClosed
	}
	obj := c.objects[path]
	if obj == nil {
		obj = &exportedObject{ifaces: map[string]*exportedInterface{}}
		c.objects[path] = obj
	}
	ret := obj.ifaces[iface]
	if ret == nil {
		ret = &exportedInterface{methods: map[string]*exportedMethod{}}
		obj.ifaces[iface] = ret
	}
	return ret, nil
}

func validExport(path ObjectPath, iface, member string) error {
	if err := path.Valid(); err != nil {
		return err
	}
	if err := validInterfaceName(iface); err != nil {
		return err
	}
	switch iface {
	case ifacePeer, ifaceIntrospectable:
		return fmt.Errorf("interface %s is provided by the connection", iface)
	}
	return validMemberName(member)
}

// Handle exports method on the object at path, with the given input
// and output signatures.
//
// Calls whose body does not match in are rejected with
// org.freedesktop.DBus.Error.InvalidArgs without invoking fn.
// Registering the same method again replaces the previous handler.
func (c *Conn) Handle(path ObjectPath, iface, method string, in, out Signature, fn HandlerFunc) error {
	if err := validExport(path, iface, method); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("nil method handler")
	}
	desc := &MethodDescription{Name: method}
	for _, t := range in.Types() {
		desc.In = append(desc.In, ArgumentDescription{Type: t})
	}
	for _, t := range out.Types() {
		desc.Out = append(desc.Out, ArgumentDescription{Type: t})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ei, err := c.exportedInterfaceLocked(path, iface)
	if err != nil {
		return err
	}
	ei.methods[method] = &exportedMethod{
		in:   in,
		out:  out,
		desc: desc,
		fn:   fn,
	}
	return nil
}

// DeclareSignal adds the named signal to the introspection data of
// the object at path.
//
// Declaring a signal is optional for emitting it with
// [Conn.EmitSignal], but lets peers discover the signal's argument
// names and types.
func (c *Conn) DeclareSignal(path ObjectPath, iface, name string, args ...ArgumentDescription) error {
	if err := validExport(path, iface, name); err != nil {
		return err
	}
	for _, a := range args {
		if a.Type == nil {
			return fmt.Errorf("signal %s.%s argument %q has no type", iface, name, a.Name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ei, err := c.exportedInterfaceLocked(path, iface)
	if err != nil {
		return err
	}
	sd := &SignalDescription{Name: name, Args: slices.Clone(args)}
	for i, s := range ei.signals {
		if s.Name == name {
			ei.signals[i] = sd
			return nil
		}
	}
	ei.signals = append(ei.signals, sd)
	return nil
}

// Unexport removes all methods and signals exported at path.
func (c *Conn) Unexport(path ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, path)
}

// describeLocked returns the introspection description of path, or
// nil if nothing is exported at or below path.
func (c *Conn) describeLocked(path ObjectPath) *ObjectDescription {
	ret := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{},
	}
	children := map[string]bool{}
	for p := range c.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(string(p), string(path)), "/")
		first, _, _ := strings.Cut(rel, "/")
		children[first] = true
	}
	obj := c.objects[path]
	if obj == nil && len(children) == 0 {
		return nil
	}
	for name := range children {
		ret.Children = append(ret.Children, name)
	}
	slices.Sort(ret.Children)

	ret.Interfaces[ifacePeer] = &InterfaceDescription{
		Name: ifacePeer,
		Methods: []*MethodDescription{
			{Name: "Ping"},
			{Name: "GetMachineId", Out: []ArgumentDescription{{Name: "machine_uuid", Type: BasicType(KindString)}}},
		},
	}
	ret.Interfaces[ifaceIntrospectable] = &InterfaceDescription{
		Name: ifaceIntrospectable,
		Methods: []*MethodDescription{
			{Name: "Introspect", Out: []ArgumentDescription{{Name: "xml_data", Type: BasicType(KindString)}}},
		},
	}
	if obj == nil {
		return ret
	}
	for name, ei := range obj.ifaces {
		id := &InterfaceDescription{Name: name}
		for _, m := range ei.methods {
			id.Methods = append(id.Methods, m.desc)
		}
		slices.SortFunc(id.Methods, func(a, b *MethodDescription) int {
			return cmp.Compare(a.Name, b.Name)
		})
		id.Signals = slices.Clone(ei.signals)
		ret.Interfaces[name] = id
	}
	return ret
}

// lookupMethodLocked finds the handler for a call. iface may be
// empty, in which case any interface of the object that has the
// method matches.
func (c *Conn) lookupMethodLocked(path ObjectPath, iface, method string) (*exportedMethod, error) {
	obj := c.objects[path]
	if obj == nil {
		return nil, CallError{ErrNameUnknownObject, fmt.Sprintf("no object at path %s", path)}
	}
	if iface == "" {
		for _, name := range slices.Sorted(maps.Keys(obj.ifaces)) {
			if m := obj.ifaces[name].methods[method]; m != nil {
				return m, nil
			}
		}
		return nil, CallError{ErrNameUnknownMethod, fmt.Sprintf("no method %s on object %s", method, path)}
	}
	ei := obj.ifaces[iface]
	if ei == nil {
		return nil, CallError{ErrNameUnknownInterface, fmt.Sprintf("no interface %s on object %s", iface, path)}
	}
	m := ei.methods[method]
	if m == nil {
		return nil, CallError{ErrNameUnknownMethod, fmt.Sprintf("no method %s.%s on object %s", iface, method, path)}
	}
	return m, nil
}

func machineID() (string, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		bs, err := os.ReadFile(p)
		if err == nil {
			return strings.TrimSpace(string(bs)), nil
		}
	}
	return "", errors.New("machine ID not available")
}

// handleBuiltin handles the methods that every object on the
// connection implements. It reports false if m is not one of them.
func (c *Conn) handleBuiltin(m *msg) (sig Signature, ret []Value, err error, ok bool) {
	switch {
	case m.Member == "Ping" && (m.Interface == ifacePeer || m.Interface == ""):
		return Signature{}, nil, nil, true
	case m.Member == "GetMachineId" && (m.Interface == ifacePeer || m.Interface == ""):
		id, err := machineID()
		if err != nil {
			return Signature{}, nil, CallError{ErrNameFailed, err.Error()}, true
		}
		return sigString, []Value{String(id)}, nil, true
	case m.Member == "Introspect" && (m.Interface == ifaceIntrospectable || m.Interface == ""):
		c.mu.Lock()
		desc := c.describeLocked(m.Path)
		c.mu.Unlock()
		if desc == nil {
			return Signature{}, nil, CallError{ErrNameUnknownObject, fmt.Sprintf("no object at path %s", m.Path)}, true
		}
		doc, err := desc.MarshalIntrospection()
		if err != nil {
			return Signature{}, nil, CallError{ErrNameFailed, err.Error()}, true
		}
		return sigString, []Value{String(doc)}, nil, true
	case m.Interface == ifacePeer || m.Interface == ifaceIntrospectable:
		return Signature{}, nil, CallError{ErrNameUnknownMethod, fmt.Sprintf("no method %s.%s", m.Interface, m.Member)}, true
	}
	return Signature{}, nil, nil, false
}

func (c *Conn) dispatchCall(m *msg) {
	sig, ret, err := c.handleCall(m)
	if !m.WantReply() {
		if err != nil {
			log.Debug("dbus method call failed", "method", m.Interface+"."+m.Member, "path", m.Path, "err", err)
		}
		return
	}
	if err != nil {
		var ce CallError
		if !errors.As(err, &ce) {
			ce = CallError{ErrNameFailed, err.Error()}
		}
		err = c.sendError(m, ce)
	} else {
		err = c.sendReturn(m, sig, ret)
	}
	if err != nil && !c.isClosed() {
		log.Warn("sending dbus method reply", "method", m.Interface+"."+m.Member, "err", err)
	}
}

func (c *Conn) handleCall(m *msg) (Signature, []Value, error) {
	if sig, ret, err, ok := c.handleBuiltin(m); ok {
		return sig, ret, err
	}

	meth, err := func() (*exportedMethod, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.lookupMethodLocked(m.Path, m.Interface, m.Member)
	}()
	if err != nil {
		return Signature{}, nil, err
	}
	if !m.Signature.Equal(meth.in) {
		return Signature{}, nil, CallError{ErrNameInvalidArgs, fmt.Sprintf("got arguments %q, want %q", m.Signature, meth.in)}
	}
	args, err := m.Values()
	if err != nil {
		return Signature{}, nil, CallError{ErrNameInvalidArgs, err.Error()}
	}

	ctx := withContextSender(context.Background(), m.Sender)
	ret, err := meth.fn(ctx, m.Path, args)
	if err != nil {
		return Signature{}, nil, err
	}
	if err := CheckAll(meth.out, ret); err != nil {
		log.Error("method handler returned invalid values", "method", m.Interface+"."+m.Member, "path", m.Path, "err", err)
		return Signature{}, nil, CallError{ErrNameFailed, "method returned invalid values"}
	}
	return meth.out, ret, nil
}

func (c *Conn) sendReturn(m *msg, sig Signature, vals []Value) error {
	serial := c.nextSerial()
	if serial == 0 {
		return net.ErrClosed
	}
	hdr := header{
		Type:        msgTypeReturn,
		Serial:      serial,
		ReplySerial: m.Serial,
		Destination: m.Sender,
	}
	return c.send(&hdr, sig, vals)
}

func (c *Conn) sendError(m *msg, ce CallError) error {
	serial := c.nextSerial()
	if serial == 0 {
		return net.ErrClosed
	}
	hdr := header{
		Type:        msgTypeError,
		Serial:      serial,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		ErrName:     ce.Name,
	}
	if validInterfaceName(ce.Name) != nil {
		hdr.ErrName = ErrNameFailed
	}
	if ce.Detail == "" {
		return c.send(&hdr, Signature{}, nil)
	}
	return c.send(&hdr, sigString, []Value{String(ce.Detail)})
}
