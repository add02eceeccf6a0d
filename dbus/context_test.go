package dbus

import (
	"context"
	"testing"
)

func TestContextSender(t *testing.T) {
	want := ":1.42"
	ctx := withContextSender(context.Background(), want)

	got, ok := ContextSender(ctx)
	if !ok {
		t.Fatal("sender not found in context")
	}
	if got != want {
		t.Fatalf("wrong sender, got %q want %q", got, want)
	}

	got, ok = ContextSender(context.Background())
	if ok {
		t.Fatalf("got sender %q from context with no sender", got)
	}
}

func TestContextCallFlags(t *testing.T) {
	ctx := context.Background()
	if got := contextCallFlags(ctx); got != 0 {
		t.Fatalf("contextCallFlags(empty) = %#x, want 0", got)
	}
	ctx = WithoutAutoStart(ctx)
	if got, want := contextCallFlags(ctx), byte(flagNoAutoStart); got != want {
		t.Fatalf("contextCallFlags(WithoutAutoStart) = %#x, want %#x", got, want)
	}
	ctx = WithInteractiveAuth(ctx)
	if got, want := contextCallFlags(ctx), byte(flagNoAutoStart|flagAllowInteractive); got != want {
		t.Fatalf("contextCallFlags(both) = %#x, want %#x", got, want)
	}
}
