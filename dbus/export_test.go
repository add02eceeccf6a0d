package dbus

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/danderson/dbusbridge/dbus/fragments"
	"github.com/google/go-cmp/cmp"
)

func newExportConn() *Conn {
	return &Conn{objects: map[ObjectPath]*exportedObject{}}
}

func callMsg(t *testing.T, path, iface, member, sig string, args ...Value) *msg {
	t.Helper()
	s := MustParseSignature(sig)
	body, err := Marshal(s, args, fragments.LittleEndian)
	if err != nil {
		t.Fatalf("marshaling call body: %v", err)
	}
	return &msg{
		header: &header{
			Order:     fragments.LittleEndian,
			Type:      msgTypeCall,
			Version:   1,
			Serial:    1,
			Path:      ObjectPath(path),
			Interface: iface,
			Member:    member,
			Sender:    ":1.99",
			Signature: s,
		},
		body: body,
	}
}

func multiplyString(ctx context.Context, path ObjectPath, args []Value) ([]Value, error) {
	n, s := int(args[0].(Int)), string(args[1].(String))
	return []Value{String(strings.Repeat(s, n))}, nil
}

func TestHandleCall(t *testing.T) {
	c := newExportConn()
	const (
		path  = "/org/matahariproject/Test"
		iface = "org.matahariproject.Test"
	)
	if err := c.Handle(path, iface, "multiplyString", MustParseSignature("is"), MustParseSignature("s"), multiplyString); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	err := c.Handle(path, iface, "broken", Signature{}, MustParseSignature("s"), func(context.Context, ObjectPath, []Value) ([]Value, error) {
		return []Value{Int(3)}, nil
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	err = c.Handle(path, iface, "fail", Signature{}, Signature{}, func(ctx context.Context, _ ObjectPath, _ []Value) ([]Value, error) {
		if sender, _ := ContextSender(ctx); sender != ":1.99" {
			return nil, CallError{"org.test.WrongSender", sender}
		}
		return nil, errors.New("kaboom")
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	sig, ret, err := c.handleCall(callMsg(t, path, iface, "multiplyString", "is", Int(3), String("ab")))
	if err != nil {
		t.Fatalf("multiplyString failed: %v", err)
	}
	if sig.String() != "s" || !EqualAll(ret, []Value{String("ababab")}) {
		t.Errorf("multiplyString returned %s %v, want s [ababab]", sig, ret)
	}

	// Interface is optional.
	if _, ret, err = c.handleCall(callMsg(t, path, "", "multiplyString", "is", Int(1), String("x"))); err != nil {
		t.Errorf("multiplyString without interface failed: %v", err)
	} else if !EqualAll(ret, []Value{String("x")}) {
		t.Errorf("multiplyString without interface returned %v", ret)
	}

	errTests := []struct {
		name string
		m    *msg
		want string
	}{
		{"wrong args", callMsg(t, path, iface, "multiplyString", "s", String("x")), ErrNameInvalidArgs},
		{"unknown object", callMsg(t, "/nope", iface, "multiplyString", "is", Int(1), String("x")), ErrNameUnknownObject},
		{"unknown interface", callMsg(t, path, "org.nope", "multiplyString", "is", Int(1), String("x")), ErrNameUnknownInterface},
		{"unknown method", callMsg(t, path, iface, "nope", ""), ErrNameUnknownMethod},
		{"unknown method any interface", callMsg(t, path, "", "nope", ""), ErrNameUnknownMethod},
		{"invalid return", callMsg(t, path, iface, "broken", ""), ErrNameFailed},
		{"unknown peer method", callMsg(t, path, ifacePeer, "Frob", ""), ErrNameUnknownMethod},
	}
	for _, tc := range errTests {
		_, _, err := c.handleCall(tc.m)
		if !IsCallError(err, tc.want) {
			t.Errorf("%s: got error %v, want %s", tc.name, err, tc.want)
		}
	}

	// Plain errors are mapped to Failed by dispatchCall, handleCall
	// passes them through.
	_, _, err = c.handleCall(callMsg(t, path, iface, "fail", ""))
	if err == nil || err.Error() != "kaboom" {
		t.Errorf("fail returned %v, want kaboom", err)
	}

	// Ping works on any path.
	if _, _, err := c.handleCall(callMsg(t, "/anywhere", ifacePeer, "Ping", "")); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	c.Unexport(path)
	_, _, err = c.handleCall(callMsg(t, path, iface, "multiplyString", "is", Int(1), String("x")))
	if !IsCallError(err, ErrNameUnknownObject) {
		t.Errorf("call after Unexport returned %v, want UnknownObject", err)
	}
}

func TestHandleValidation(t *testing.T) {
	c := newExportConn()
	noop := func(context.Context, ObjectPath, []Value) ([]Value, error) { return nil, nil }
	tests := []struct {
		path          ObjectPath
		iface, method string
	}{
		{"bad", "org.test", "M"},
		{"/ok", "bad", "M"},
		{"/ok", "org.test", "bad.member"},
		{"/ok", ifacePeer, "M"},
		{"/ok", ifaceIntrospectable, "M"},
	}
	for _, tc := range tests {
		if err := c.Handle(tc.path, tc.iface, tc.method, Signature{}, Signature{}, noop); err == nil {
			t.Errorf("Handle(%q, %q, %q) succeeded, want error", tc.path, tc.iface, tc.method)
		}
	}
	if err := c.Handle("/ok", "org.test", "M", Signature{}, Signature{}, nil); err == nil {
		t.Error("Handle with nil handler succeeded")
	}
	if err := c.DeclareSignal("/ok", "org.test", "S", ArgumentDescription{Name: "x"}); err == nil {
		t.Error("DeclareSignal with untyped argument succeeded")
	}
}

func TestIntrospectExported(t *testing.T) {
	c := newExportConn()
	const iface = "org.matahariproject.Test"
	if err := c.Handle("/org/matahariproject/Test", iface, "multiplyString", MustParseSignature("is"), MustParseSignature("s"), multiplyString); err != nil {
		t.Fatal(err)
	}
	err := c.DeclareSignal("/org/matahariproject/Test", iface, "simpleSignal", ArgumentDescription{Name: "s", Type: BasicType(KindString)})
	if err != nil {
		t.Fatal(err)
	}

	_, ret, err := c.handleCall(callMsg(t, "/org/matahariproject", ifaceIntrospectable, "Introspect", ""))
	if err != nil {
		t.Fatalf("Introspect(/org/matahariproject) failed: %v", err)
	}
	var parent ObjectDescription
	if err := xml.Unmarshal([]byte(ret[0].(String)), &parent); err != nil {
		t.Fatalf("parsing introspection XML: %v", err)
	}
	if diff := cmp.Diff(parent.Children, []string{"Test"}); diff != "" {
		t.Errorf("wrong children (-got+want):\n%s", diff)
	}
	if parent.Interfaces[iface] != nil {
		t.Error("parent object claims to implement the child's interface")
	}

	_, ret, err = c.handleCall(callMsg(t, "/org/matahariproject/Test", ifaceIntrospectable, "Introspect", ""))
	if err != nil {
		t.Fatalf("Introspect(/org/matahariproject/Test) failed: %v", err)
	}
	doc := string(ret[0].(String))
	if !strings.HasPrefix(doc, "<!DOCTYPE node") {
		t.Errorf("introspection XML lacks doctype:\n%s", doc)
	}
	var obj ObjectDescription
	if err := xml.Unmarshal([]byte(doc), &obj); err != nil {
		t.Fatalf("parsing introspection XML: %v", err)
	}
	for _, want := range []string{iface, ifacePeer, ifaceIntrospectable} {
		if obj.Interfaces[want] == nil {
			t.Errorf("introspection missing interface %s", want)
		}
	}
	id := obj.Interfaces[iface]
	if id == nil {
		t.FailNow()
	}
	m := id.Method("multiplyString")
	if m == nil {
		t.Fatal("introspection missing multiplyString")
	}
	if got, want := m.InSignature().String(), "is"; got != want {
		t.Errorf("multiplyString in signature = %q, want %q", got, want)
	}
	if got, want := m.OutSignature().String(), "s"; got != want {
		t.Errorf("multiplyString out signature = %q, want %q", got, want)
	}
	s := id.Signal("simpleSignal")
	if s == nil {
		t.Fatal("introspection missing simpleSignal")
	}
	if diff := cmp.Diff(s.ArgNames(), []string{"s"}); diff != "" {
		t.Errorf("simpleSignal arg names wrong (-got+want):\n%s", diff)
	}
	if got, want := s.Signature().String(), "s"; got != want {
		t.Errorf("simpleSignal signature = %q, want %q", got, want)
	}

	_, _, err = c.handleCall(callMsg(t, "/elsewhere", ifaceIntrospectable, "Introspect", ""))
	if !IsCallError(err, ErrNameUnknownObject) {
		t.Errorf("Introspect(/elsewhere) returned %v, want UnknownObject", err)
	}
}

func TestSignalArgNames(t *testing.T) {
	s := SignalDescription{
		Name: "complexSignal",
		Args: []ArgumentDescription{
			{Name: "b", Type: BasicType(KindBool)},
			{Type: BasicType(KindInt32)},
		},
	}
	if diff := cmp.Diff(s.ArgNames(), []string{"b", "arg1"}); diff != "" {
		t.Errorf("ArgNames wrong (-got+want):\n%s", diff)
	}
	if got, want := s.String(), "signal complexSignal(b b, i)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
