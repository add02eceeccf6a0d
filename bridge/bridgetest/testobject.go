// Package bridgetest provides a test object and an in-memory
// Registrar for testing bridges without a bus.
//
// The test object, org.matahariproject.Test at
// /org/matahariproject/Test, exercises every DBus type through a set
// of echo and transform methods, and emits a simple and a complex
// signal on request. The same object can be served on a real bus
// with [Export].
package bridgetest

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/danderson/dbusbridge/dbus"
)

const (
	// Name is the bus name of the test object.
	Name = "org.matahariproject.Test"
	// Path is the object path of the test object.
	Path dbus.ObjectPath = "/org/matahariproject/Test"
	// Interface is the interface the test object implements.
	Interface = "org.matahariproject.Test"
)

// Emitter sends a signal from the test object.
type Emitter func(ctx context.Context, member string, sig dbus.Signature, args []dbus.Value) error

type method struct {
	name    string
	in, out string
	call    func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error)
}

type signal struct {
	name string
	sig  string
	args []string
}

var signals = []signal{
	{"simpleSignal", "s", []string{"s"}},
	{"complexSignal", "biudsaiasa(is)a{is}", []string{"b", "i", "u", "d", "s", "a_i", "a_s", "a_is", "d_is"}},
}

func (s signal) describe() []dbus.ArgumentDescription {
	types := dbus.MustParseSignature(s.sig).Types()
	ret := make([]dbus.ArgumentDescription, len(types))
	for i, t := range types {
		ret[i] = dbus.ArgumentDescription{Name: s.args[i], Type: t}
	}
	return ret
}

func echo(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
	return args, nil
}

func reversed(vs []dbus.Value) []dbus.Value {
	ret := slices.Clone(vs)
	slices.Reverse(ret)
	return ret
}

func emitter(name string) func(context.Context, Emitter, []dbus.Value) ([]dbus.Value, error) {
	sig := ""
	for _, s := range signals {
		if s.name == name {
			sig = s.sig
		}
	}
	return func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
		if err := emit(ctx, name, dbus.MustParseSignature(sig), args); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

var methods = []method{
	{
		name: "multiplyString",
		in:   "is",
		out:  "s",
		call: func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
			n, s := args[0].(dbus.Int), args[1].(dbus.String)
			if n < 0 {
				return nil, dbus.CallError{Name: dbus.ErrNameInvalidArgs, Detail: fmt.Sprintf("negative count %d", n)}
			}
			return []dbus.Value{dbus.String(strings.Repeat(string(s), int(n)))}, nil
		},
	},
	{
		name: "testBasicTypes",
		in:   "bixyutd",
		out:  "dtuyxib",
		call: func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
			return reversed(args), nil
		},
	},
	{
		name: "testSimpleArrayOfInt",
		in:   "ai",
		out:  "ai",
		call: func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
			return []dbus.Value{dbus.Array(reversed(args[0].(dbus.Array)))}, nil
		},
	},
	{
		name: "testSimpleArrayOfString",
		in:   "as",
		out:  "as",
		call: func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
			in := args[0].(dbus.Array)
			ret := make(dbus.Array, len(in))
			for i, v := range in {
				ret[len(in)-1-i] = dbus.String(strings.ToUpper(string(v.(dbus.String))))
			}
			return []dbus.Value{ret}, nil
		},
	},
	{
		name: "testSimpleStruct",
		in:   "(is)",
		out:  "(si)",
		call: func(ctx context.Context, emit Emitter, args []dbus.Value) ([]dbus.Value, error) {
			return []dbus.Value{dbus.Struct(reversed(args[0].(dbus.Struct)))}, nil
		},
	},
	{name: "testDict", in: "a{ss}a{is}a{s(ii)}a{sai}", out: "a{ss}a{is}a{s(ii)}a{sai}", call: echo},
	{name: "testVariants", in: "vava{sv}(vvv)", out: "vava{sv}(vvv)", call: echo},
	{name: "testComplexArgs", in: "a(isasa(iai))", out: "a(isasa(iai))", call: echo},
	{name: "emit_simpleSignal", in: "s", out: "", call: emitter("simpleSignal")},
	{name: "emit_complexSignal", in: "biudsaiasa(is)a{is}", out: "", call: emitter("complexSignal")},
}

// MethodNames returns the names of the test object's methods.
func MethodNames() []string {
	ret := make([]string, len(methods))
	for i, m := range methods {
		ret[i] = m.name
	}
	return ret
}

// Export serves the test object on conn, at [Path].
//
// Export does not claim [Name], callers that need the well-known name
// must claim it themselves.
func Export(conn *dbus.Conn) error {
	emit := func(ctx context.Context, member string, sig dbus.Signature, args []dbus.Value) error {
		return conn.EmitSignal(ctx, Path, Interface, member, sig, args...)
	}
	for _, m := range methods {
		call := m.call
		fn := func(ctx context.Context, path dbus.ObjectPath, args []dbus.Value) ([]dbus.Value, error) {
			return call(ctx, emit, args)
		}
		if err := conn.Handle(Path, Interface, m.name, dbus.MustParseSignature(m.in), dbus.MustParseSignature(m.out), fn); err != nil {
			return fmt.Errorf("exporting %s: %w", m.name, err)
		}
	}
	for _, s := range signals {
		if err := conn.DeclareSignal(Path, Interface, s.name, s.describe()...); err != nil {
			return fmt.Errorf("declaring %s: %w", s.name, err)
		}
	}
	return nil
}
