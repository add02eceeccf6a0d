package dbus

import "context"

type senderContextKey struct{}

func withContextSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderContextKey{}, sender)
}

// ContextSender returns the bus name of the peer that sent the method
// call being handled, if ctx is the context of a method handler.
func ContextSender(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(senderContextKey{}).(string)
	return v, ok && v != ""
}

type callFlagsContextKey struct{}

// WithoutAutoStart returns a context that makes method calls fail
// rather than activate the destination service, if it is not already
// running.
func WithoutAutoStart(ctx context.Context) context.Context {
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|flagNoAutoStart)
}

// WithInteractiveAuth returns a context that tells the bus and the
// destination that the caller is prepared to wait for an interactive
// authorization prompt.
func WithInteractiveAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|flagAllowInteractive)
}

func contextCallFlags(ctx context.Context) byte {
	v, _ := ctx.Value(callFlagsContextKey{}).(byte)
	return v
}
