package bridge

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/danderson/dbusbridge/dbus"
	"github.com/google/go-cmp/cmp"
)

func TestEventLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLog(&buf)
	now := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	l.now = func() time.Time { return now }

	s := NewEventStream(0, 0)
	sub := s.Subscribe(AllEvents)
	s.Publish(mkEvent(originA, "ping", "hello"))
	s.Publish(&Event{
		Origin:    originB,
		Interface: "org.example.Iface",
		Name:      "counts",
		Signature: dbus.MustParseSignature("aia{si}"),
		Payload: []dbus.Value{
			dbus.Array{dbus.Int(1), dbus.Int(-2)},
			dbus.Dict{{Key: dbus.String("k"), Value: dbus.Int(3)}},
		},
		ArgNames: []string{"nums", "arg1"},
		Overflow: true,
	})
	s.Close()

	if err := l.Record(context.Background(), sub); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := ReadEventLog(&buf)
	if err != nil {
		t.Fatalf("ReadEventLog failed: %v", err)
	}
	want := []EventRecord{
		{
			Time:      now,
			Name:      "org.example.A",
			Path:      "/a",
			Interface: "org.example.Iface",
			Member:    "ping",
			Signature: "s",
			Args:      map[string]any{"s": "hello"},
		},
		{
			Time:      now,
			Name:      "org.example.B",
			Path:      "/b",
			Interface: "org.example.Iface",
			Member:    "counts",
			Signature: "aia{si}",
			Args: map[string]any{
				"nums": []any{uint64(1), int64(-2)},
				"arg1": []any{[]any{"k", uint64(3)}},
			},
			Overflow: true,
		},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("event log wrong (-got+want):\n%s", diff)
	}
}

func TestEventLogDeterministic(t *testing.T) {
	ev := &Event{
		Origin:    originA,
		Interface: "org.example.Iface",
		Name:      "many",
		Signature: dbus.MustParseSignature("sss"),
		Payload:   []dbus.Value{dbus.String("1"), dbus.String("2"), dbus.String("3")},
		ArgNames:  []string{"z", "a", "m"},
	}
	encode := func() []byte {
		var buf bytes.Buffer
		l := NewEventLog(&buf)
		l.now = func() time.Time { return time.Unix(0, 0) }
		if err := l.Write(ev); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		return buf.Bytes()
	}
	first := encode()
	for range 10 {
		if got := encode(); !bytes.Equal(got, first) {
			t.Fatalf("event encoding is not deterministic:\n%x\n%x", got, first)
		}
	}
}

func TestReadEventLogGarbage(t *testing.T) {
	if _, err := ReadEventLog(bytes.NewReader([]byte{0xff, 0x00})); err == nil {
		t.Error("ReadEventLog of garbage succeeded")
	}
}
