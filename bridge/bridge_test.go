package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danderson/dbusbridge/bridge"
	"github.com/danderson/dbusbridge/bridge/bridgetest"
	"github.com/danderson/dbusbridge/dbus"
	"github.com/danderson/dbusbridge/dbus/fragments"
	"github.com/google/go-cmp/cmp"
)

var testOrigin = bridge.Origin{Name: bridgetest.Name, Path: bridgetest.Path}

func newBridge(t *testing.T, opts *bridge.Options) (*bridge.Bridge, *bridgetest.Registrar) {
	t.Helper()
	reg := bridgetest.NewRegistrar()
	if opts == nil {
		opts = &bridge.Options{}
	}
	if opts.Logger == nil {
		opts.Logger = newLogger(t)
	}
	b := bridge.New(reg, opts)
	t.Cleanup(func() { b.Close() })
	return b, reg
}

func newLogger(t *testing.T) *log.Logger {
	return log.NewWithOptions(testWriter{t}, log.Options{Level: log.DebugLevel})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(bs []byte) (int, error) {
	w.t.Logf("%s", bs)
	return len(bs), nil
}

func call(t *testing.T, b *bridge.Bridge, method string, args ...any) []any {
	t.Helper()
	got, err := b.CallMember(context.Background(), testOrigin, bridgetest.Interface+"."+method, args...)
	if err != nil {
		t.Fatalf("%s(%v) failed: %v", method, args, err)
	}
	return got
}

func TestCallTestObject(t *testing.T) {
	b, _ := newBridge(t, nil)

	tests := []struct {
		method string
		args   []any
		want   []any
	}{
		{"multiplyString", []any{3, "abc"}, []any{"abcabcabc"}},
		{"multiplyString", []any{0, "abc"}, []any{""}},
		{"testBasicTypes", []any{true, 1, 2, 3, 4, 5, 6.0},
			[]any{6.0, uint64(5), uint64(4), uint64(3), int64(2), int64(1), true}},
		{"testSimpleArrayOfInt", []any{[]int{1, 2, 3}}, []any{[]any{int64(3), int64(2), int64(1)}}},
		{"testSimpleArrayOfString", []any{[]string{"abc", "def", "ghi"}}, []any{[]any{"GHI", "DEF", "ABC"}}},
		{"testSimpleStruct", []any{[]any{1, "a"}}, []any{[]any{"a", int64(1)}}},
		{"testDict",
			[]any{
				map[string]string{"k": "v"},
				map[int]string{1: "one"},
				map[string][]int{"p": {1, 2}},
				map[string][]int{"l": {1, 2, 3}},
			},
			[]any{
				[]any{[]any{"k", "v"}},
				[]any{[]any{int64(1), "one"}},
				[]any{[]any{"p", []any{int64(1), int64(2)}}},
				[]any{[]any{"l", []any{int64(1), int64(2), int64(3)}}},
			}},
		{"testVariants",
			[]any{"s", []any{1, "two"}, map[string]any{"n": 1.5}, []any{true, uint8(1), []string{"x"}}},
			[]any{"s", []any{int64(1), "two"}, []any{[]any{"n", 1.5}}, []any{true, uint64(1), []any{"x"}}}},
		{"testComplexArgs",
			[]any{[]any{[]any{1, "s", []string{"a"}, []any{[]any{2, []int{3}}}}}},
			[]any{[]any{[]any{int64(1), "s", []any{"a"}, []any{[]any{int64(2), []any{int64(3)}}}}}}},
	}

	for _, tc := range tests {
		t.Run(tc.method, func(t *testing.T) {
			got := call(t, b, tc.method, tc.args...)
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("%s(%v) wrong result (-got+want):\n%s", tc.method, tc.args, diff)
			}
		})
	}
}

func TestInvokeValues(t *testing.T) {
	b, _ := newBridge(t, nil)
	got, err := b.Invoke(context.Background(), bridge.CallEnvelope{
		Destination: bridgetest.Name,
		Path:        bridgetest.Path,
		Interface:   bridgetest.Interface,
		Method:      "testSimpleStruct",
		Args:        []any{dbus.Struct{dbus.Int(7), dbus.String("x")}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want := []dbus.Value{dbus.Struct{dbus.String("x"), dbus.Int(7)}}
	if !dbus.EqualAll(got, want) {
		t.Errorf("Invoke = %v, want %v", got, want)
	}

	// The interface is optional.
	got, err = b.Invoke(context.Background(), bridge.CallEnvelope{
		Destination: bridgetest.Name,
		Path:        bridgetest.Path,
		Method:      "multiplyString",
		Args:        []any{2, "ab"},
	})
	if err != nil {
		t.Fatalf("Invoke without interface failed: %v", err)
	}
	if want := []dbus.Value{dbus.String("abab")}; !dbus.EqualAll(got, want) {
		t.Errorf("Invoke = %v, want %v", got, want)
	}
}

func TestUnknownTargets(t *testing.T) {
	b, _ := newBridge(t, nil)
	tests := []struct {
		name string
		env  bridge.CallEnvelope
		want bridge.Kind
	}{
		{"destination", bridge.CallEnvelope{Destination: "org.example.Nobody", Path: bridgetest.Path, Interface: bridgetest.Interface, Method: "multiplyString"}, bridge.UnknownDestination},
		{"object", bridge.CallEnvelope{Destination: bridgetest.Name, Path: "/nope", Interface: bridgetest.Interface, Method: "multiplyString"}, bridge.UnknownObject},
		{"interface", bridge.CallEnvelope{Destination: bridgetest.Name, Path: bridgetest.Path, Interface: "org.example.Nope", Method: "multiplyString"}, bridge.UnknownInterface},
		{"method", bridge.CallEnvelope{Destination: bridgetest.Name, Path: bridgetest.Path, Interface: bridgetest.Interface, Method: "divideString"}, bridge.UnknownMethod},
	}
	for _, tc := range tests {
		_, err := b.Invoke(context.Background(), tc.env)
		if got := bridge.KindOf(err); got != tc.want {
			t.Errorf("unknown %s: got kind %s (err %v), want %s", tc.name, got, err, tc.want)
		}
	}

	if _, err := b.CallMember(context.Background(), testOrigin, "multiplyString", 3, "abc"); !errors.Is(err, bridge.UnknownInterface) {
		t.Errorf("CallMember without interface err = %v, want UnknownInterface", err)
	}
}

func TestArgumentMismatch(t *testing.T) {
	b, reg := newBridge(t, nil)

	for _, args := range [][]any{{3}, {3, "abc", "bad"}, {"abc", 3}, {1 << 40, "abc"}} {
		_, err := b.CallMember(context.Background(), testOrigin, bridgetest.Interface+".multiplyString", args...)
		if !errors.Is(err, bridge.ArgumentMismatch) {
			t.Errorf("multiplyString(%v) err = %v, want ArgumentMismatch", args, err)
		}
	}
	if n := reg.Calls(); n != 0 {
		t.Errorf("mismatched calls reached the foreign object %d times", n)
	}

	call(t, b, "multiplyString", 1, "x")
	if n := reg.Calls(); n != 1 {
		t.Errorf("foreign object received %d calls, want 1", n)
	}
}

func TestRemoteFault(t *testing.T) {
	b, reg := newBridge(t, nil)
	o := bridge.Origin{Name: "org.example.Faulty", Path: "/"}
	reg.Handle(o, "org.example.Faulty", "CallError", dbus.Signature{}, dbus.Signature{}, func(context.Context, []dbus.Value) ([]dbus.Value, error) {
		return nil, dbus.CallError{Name: "org.example.Error.Broken", Detail: "it broke"}
	})
	reg.Handle(o, "org.example.Faulty", "Plain", dbus.Signature{}, dbus.Signature{}, func(context.Context, []dbus.Value) ([]dbus.Value, error) {
		return nil, errors.New("plain failure")
	})
	reg.Handle(o, "org.example.Faulty", "BadReturn", dbus.Signature{}, dbus.MustParseSignature("s"), func(context.Context, []dbus.Value) ([]dbus.Value, error) {
		return []dbus.Value{dbus.Int(1)}, nil
	})
	reg.Handle(o, "org.example.Faulty", "ShortReturn", dbus.Signature{}, dbus.MustParseSignature("ss"), func(context.Context, []dbus.Value) ([]dbus.Value, error) {
		return []dbus.Value{dbus.String("a")}, nil
	})

	_, err := b.CallMember(context.Background(), o, "org.example.Faulty.CallError")
	var f *bridge.Fault
	if !errors.As(err, &f) || f.Kind != bridge.RemoteFault {
		t.Fatalf("CallError err = %v, want RemoteFault", err)
	}
	if got, want := f.Text, "org.example.Error.Broken: it broke"; got != want {
		t.Errorf("RemoteFault text = %q, want %q", got, want)
	}
	if !dbus.IsCallError(err, "org.example.Error.Broken") {
		t.Errorf("RemoteFault does not unwrap to the CallError: %v", err)
	}

	if _, err := b.CallMember(context.Background(), o, "org.example.Faulty.Plain"); !errors.Is(err, bridge.RemoteFault) {
		t.Errorf("Plain err = %v, want RemoteFault", err)
	}
	if _, err := b.CallMember(context.Background(), o, "org.example.Faulty.BadReturn"); !errors.Is(err, bridge.TypeMismatch) {
		t.Errorf("BadReturn err = %v, want TypeMismatch", err)
	}
	if _, err := b.CallMember(context.Background(), o, "org.example.Faulty.ShortReturn"); !errors.Is(err, bridge.ArityMismatch) {
		t.Errorf("ShortReturn err = %v, want ArityMismatch", err)
	}
}

func TestCallTimeout(t *testing.T) {
	b, reg := newBridge(t, &bridge.Options{CallTimeout: 20 * time.Millisecond})
	o := bridge.Origin{Name: "org.example.Slow", Path: "/"}
	reg.Handle(o, "org.example.Slow", "Hang", dbus.Signature{}, dbus.Signature{}, func(ctx context.Context, _ []dbus.Value) ([]dbus.Value, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Handle(o, "org.example.Slow", "NoReply", dbus.Signature{}, dbus.Signature{}, func(ctx context.Context, _ []dbus.Value) ([]dbus.Value, error) {
		return nil, dbus.CallError{Name: dbus.ErrNameNoReply}
	})

	if _, err := b.CallMember(context.Background(), o, "org.example.Slow.Hang"); !errors.Is(err, bridge.Timeout) {
		t.Errorf("Hang err = %v, want Timeout", err)
	}
	if _, err := b.CallMember(context.Background(), o, "org.example.Slow.NoReply"); !errors.Is(err, bridge.Timeout) {
		t.Errorf("NoReply err = %v, want Timeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	b2, reg2 := newBridge(t, &bridge.Options{CallTimeout: time.Minute})
	reg2.Handle(o, "org.example.Slow", "Hang", dbus.Signature{}, dbus.Signature{}, func(ctx context.Context, _ []dbus.Value) ([]dbus.Value, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if _, err := b2.CallMember(ctx, o, "org.example.Slow.Hang"); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled call err = %v, want context.Canceled", err)
	}
}

// hangingRegistrar never finds anything, and takes until ctx expires
// to say so.
type hangingRegistrar struct{}

func (hangingRegistrar) Resolve(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string) (*bridge.Method, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingRegistrar) Register(ctx context.Context, dest string, path dbus.ObjectPath) (*bridge.Object, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolveTimeout(t *testing.T) {
	b := bridge.New(hangingRegistrar{}, &bridge.Options{CallTimeout: 20 * time.Millisecond, Logger: newLogger(t)})
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := b.CallMember(context.Background(), testOrigin, bridgetest.Interface+".multiplyString", 3, "abc")
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, bridge.Timeout) {
			t.Errorf("call err = %v, want Timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call blocked in target resolution past the call timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.CallMember(ctx, testOrigin, bridgetest.Interface+".multiplyString", 3, "abc"); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled call err = %v, want context.Canceled", err)
	}
}

func TestSignals(t *testing.T) {
	b, reg := newBridge(t, nil)
	sub := b.Events().Subscribe(bridge.FromOrigin(testOrigin))
	defer sub.Close()

	if _, err := b.AddObject(context.Background(), bridgetest.Name, bridgetest.Path); err != nil {
		t.Fatalf("AddObject failed: %v", err)
	}
	waitListeners(t, reg, testOrigin, 1)

	call(t, b, "emit_simpleSignal", "test")
	ev := next(t, sub)
	if got, want := ev.Member(), "org.matahariproject.Test.simpleSignal"; got != want {
		t.Errorf("event is %q, want %q", got, want)
	}
	if ev.Origin != testOrigin {
		t.Errorf("event origin is %v, want %v", ev.Origin, testOrigin)
	}
	if diff := cmp.Diff(ev.NamedArgs(), map[string]any{"s": "test"}); diff != "" {
		t.Errorf("simpleSignal args wrong (-got+want):\n%s", diff)
	}

	args := []any{
		true, -1, 2, 3.5, "str",
		[]int{1, 2}, []string{"a", "b"},
		[]any{[]any{1, "x"}},
		map[int]string{7: "seven"},
	}
	call(t, b, "emit_complexSignal", args...)
	ev = next(t, sub)
	want := map[string]any{
		"b":    true,
		"i":    int64(-1),
		"u":    uint64(2),
		"d":    3.5,
		"s":    "str",
		"a_i":  []any{int64(1), int64(2)},
		"a_s":  []any{"a", "b"},
		"a_is": []any{[]any{int64(1), "x"}},
		"d_is": []any{[]any{int64(7), "seven"}},
	}
	if diff := cmp.Diff(ev.NamedArgs(), want); diff != "" {
		t.Errorf("complexSignal args wrong (-got+want):\n%s", diff)
	}

	// Adding the object again does not duplicate events.
	if _, err := b.AddObject(context.Background(), bridgetest.Name, bridgetest.Path); err != nil {
		t.Fatalf("second AddObject failed: %v", err)
	}
	if diff := cmp.Diff(b.Objects(), []bridge.Origin{testOrigin}); diff != "" {
		t.Errorf("Objects() wrong (-got+want):\n%s", diff)
	}
	call(t, b, "emit_simpleSignal", "again")
	next(t, sub)
	if sub.Len() != 0 {
		t.Errorf("got %d duplicate events", sub.Len())
	}

	if _, err := b.AddObject(context.Background(), bridgetest.Name, "/nope"); !errors.Is(err, bridge.UnknownObject) {
		t.Errorf("AddObject of missing object err = %v, want UnknownObject", err)
	}
}

func TestRelayOutlivesAddObjectContext(t *testing.T) {
	b, reg := newBridge(t, nil)
	sub := b.Events().Subscribe(bridge.FromOrigin(testOrigin))
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := b.AddObject(ctx, bridgetest.Name, bridgetest.Path); err != nil {
		t.Fatalf("AddObject failed: %v", err)
	}
	cancel()
	waitListeners(t, reg, testOrigin, 1)

	call(t, b, "emit_simpleSignal", "after cancel")
	ev := next(t, sub)
	if diff := cmp.Diff(ev.NamedArgs(), map[string]any{"s": "after cancel"}); diff != "" {
		t.Errorf("simpleSignal args wrong (-got+want):\n%s", diff)
	}

	b.Close()
	waitListeners(t, reg, testOrigin, 0)
}

func TestMalformedSignal(t *testing.T) {
	b, reg := newBridge(t, nil)
	sub := b.Events().Subscribe(bridge.AllEvents)
	defer sub.Close()
	if _, err := b.AddObject(context.Background(), bridgetest.Name, bridgetest.Path); err != nil {
		t.Fatalf("AddObject failed: %v", err)
	}
	waitListeners(t, reg, testOrigin, 1)

	reg.Inject(testOrigin, &dbus.Signal{
		Sender:    bridgetest.Name,
		Path:      bridgetest.Path,
		Interface: bridgetest.Interface,
		Member:    "simpleSignal",
		Signature: dbus.MustParseSignature("s"),
		Body:      []byte{0xff, 0, 0, 0, 'x'},
		Order:     fragments.LittleEndian,
	})
	call(t, b, "emit_simpleSignal", "ok")

	ev := next(t, sub)
	if v, _ := ev.Arg("s"); v != dbus.String("ok") {
		t.Errorf("got event with s=%v, want the well-formed signal", v)
	}
	if n := b.Relay().Malformed(); n != 1 {
		t.Errorf("Malformed() = %d, want 1", n)
	}
}

func TestUndeclaredSignal(t *testing.T) {
	b, reg := newBridge(t, nil)
	sub := b.Events().Subscribe(bridge.AllEvents)
	defer sub.Close()
	if _, err := b.AddObject(context.Background(), bridgetest.Name, bridgetest.Path); err != nil {
		t.Fatalf("AddObject failed: %v", err)
	}
	waitListeners(t, reg, testOrigin, 1)

	// Signals without a declaration, or whose signature disagrees
	// with it, get positional argument names.
	reg.Emit(testOrigin, bridgetest.Interface, "surprise", dbus.MustParseSignature("iu"), dbus.Int(1), dbus.Uint(2))
	reg.Emit(testOrigin, bridgetest.Interface, "simpleSignal", dbus.MustParseSignature("i"), dbus.Int(3))

	ev := next(t, sub)
	if diff := cmp.Diff(ev.ArgNames, []string{"arg0", "arg1"}); diff != "" {
		t.Errorf("undeclared signal arg names wrong (-got+want):\n%s", diff)
	}
	ev = next(t, sub)
	if diff := cmp.Diff(ev.NamedArgs(), map[string]any{"arg0": int64(3)}); diff != "" {
		t.Errorf("mismatched signal args wrong (-got+want):\n%s", diff)
	}
}

func TestRelayReopen(t *testing.T) {
	b, reg := newBridge(t, nil)
	sub := b.Events().Subscribe(bridge.AllEvents)
	defer sub.Close()
	if _, err := b.AddObject(context.Background(), bridgetest.Name, bridgetest.Path); err != nil {
		t.Fatalf("AddObject failed: %v", err)
	}
	waitListeners(t, reg, testOrigin, 1)

	reg.DropListeners(testOrigin)
	waitListeners(t, reg, testOrigin, 1)

	call(t, b, "emit_simpleSignal", "after")
	ev := next(t, sub)
	if v, _ := ev.Arg("s"); v != dbus.String("after") {
		t.Errorf("got event with s=%v, want after", v)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := reg.Listeners(testOrigin); n != 0 {
		t.Errorf("%d listeners left open after Close", n)
	}
}

func next(t *testing.T, sub *bridge.Subscription) *bridge.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for event: %v", err)
	}
	return ev
}

func waitListeners(t *testing.T, reg *bridgetest.Registrar, o bridge.Origin, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reg.Listeners(o) != want {
		if time.Now().After(deadline) {
			t.Fatalf("object %v has %d listeners, want %d", o, reg.Listeners(o), want)
		}
		time.Sleep(time.Millisecond)
	}
}
