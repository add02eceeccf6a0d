package dbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Reply is the decoded response to a method call.
type Reply struct {
	// Signature is the signature of the reply body.
	Signature Signature
	// Values are the returned values, one per complete type in
	// Signature.
	Values []Value
}

func (r *Reply) arg(i int, want Kind) (Value, error) {
	if i < 0 || i >= len(r.Values) {
		return nil, fmt.Errorf("reply with signature %q has no value %d", r.Signature, i)
	}
	if got := r.Signature.Type(i).Kind(); got != want {
		return nil, fmt.Errorf("reply value %d has type %s, want %s", i, got, want)
	}
	return r.Values[i], nil
}

// String returns the i-th reply value, which must be a DBus string.
func (r *Reply) String(i int) (string, error) {
	v, err := r.arg(i, KindString)
	if err != nil {
		return "", err
	}
	return string(v.(String)), nil
}

// Uint returns the i-th reply value, which must be a uint32.
func (r *Reply) Uint(i int) (uint32, error) {
	v, err := r.arg(i, KindUint32)
	if err != nil {
		return 0, err
	}
	return uint32(v.(Uint)), nil
}

// Bool returns the i-th reply value, which must be a boolean.
func (r *Reply) Bool(i int) (bool, error) {
	v, err := r.arg(i, KindBool)
	if err != nil {
		return false, err
	}
	return bool(v.(Bool)), nil
}

// Strings returns the i-th reply value, which must be an array of
// strings.
func (r *Reply) Strings(i int) ([]string, error) {
	v, err := r.arg(i, KindArray)
	if err != nil {
		return nil, err
	}
	if ek := r.Signature.Type(i).Elem().Kind(); ek != KindString {
		return nil, fmt.Errorf("reply value %d is an array of %s, want string", i, ek)
	}
	a := v.(Array)
	ret := make([]string, 0, len(a))
	for _, s := range a {
		ret = append(ret, string(s.(String)))
	}
	return ret, nil
}

// Call calls method on the interface with the given arguments, and
// returns the decoded reply.
//
// This is a low-level calling API. It is the caller's responsibility
// to match sig and args to the signature of the method being
// invoked. The reply is decoded using the signature the peer sent.
func (f Interface) Call(ctx context.Context, method string, sig Signature, args ...Value) (*Reply, error) {
	m, err := f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, sig, args, false)
	if err != nil {
		return nil, err
	}
	vs, err := m.Values()
	if err != nil {
		return nil, fmt.Errorf("decoding reply to %s.%s: %w", f.name, method, err)
	}
	return &Reply{
		Signature: m.Signature,
		Values:    vs,
	}, nil
}

// OneWay calls method on the interface with the given arguments, and
// tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, sig Signature, args ...Value) error {
	_, err := f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, sig, args, true)
	return err
}

var (
	sigPropGet    = MustParseSignature("ss")
	sigPropSet    = MustParseSignature("ssv")
	sigPropGetAll = MustParseSignature("s")
)

// GetProperty returns the value of the given property.
func (f Interface) GetProperty(ctx context.Context, name string) (Variant, error) {
	reply, err := f.Object().Interface(ifaceProps).Call(ctx, "Get", sigPropGet, String(f.name), String(name))
	if err != nil {
		return Variant{}, err
	}
	v, err := reply.arg(0, KindVariant)
	if err != nil {
		return Variant{}, err
	}
	return v.(Variant), nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value Variant) error {
	_, err := f.Object().Interface(ifaceProps).Call(ctx, "Set", sigPropSet, String(f.name), String(name), value)
	return err
}

// GetAllProperties returns all the properties exported by the
// interface, keyed by property name.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Variant, error) {
	reply, err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", sigPropGetAll, String(f.name))
	if err != nil {
		return nil, err
	}
	v, err := reply.arg(0, KindDict)
	if err != nil {
		return nil, err
	}
	if t := reply.Signature.Type(0); t.Key().Kind() != KindString || t.Elem().Kind() != KindVariant {
		return nil, fmt.Errorf("GetAll returned %s, want a{sv}", t)
	}
	d := v.(Dict)
	ret := make(map[string]Variant, len(d))
	for _, ent := range d {
		ret[string(ent.Key.(String))] = ent.Value.(Variant)
	}
	return ret, nil
}
