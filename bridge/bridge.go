package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danderson/dbusbridge/dbus"
)

const (
	// DefaultCallTimeout is the default per-call timeout, the same as
	// libdbus uses.
	DefaultCallTimeout = 25 * time.Second
	// DefaultEventTimeout is the default time Subscription.Next
	// waits for an event.
	DefaultEventTimeout = 10 * time.Second
)

// Options configures a Bridge. The zero value is a valid
// configuration.
type Options struct {
	// CallTimeout bounds each method invocation. Zero means
	// DefaultCallTimeout.
	CallTimeout time.Duration
	// EventTimeout is how long Subscription.Next waits for an event
	// when its context has no deadline. Zero means
	// DefaultEventTimeout.
	EventTimeout time.Duration
	// QueueLimit is the number of events each subscription buffers.
	// Zero means DefaultQueueLimit.
	QueueLimit int
	// Logger receives the bridge's logs. Nil means the default
	// charm logger.
	Logger *log.Logger
}

func (o *Options) callTimeout() time.Duration {
	if o == nil || o.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return o.CallTimeout
}

func (o *Options) eventTimeout() time.Duration {
	if o == nil || o.EventTimeout <= 0 {
		return DefaultEventTimeout
	}
	return o.EventTimeout
}

func (o *Options) queueLimit() int {
	if o == nil || o.QueueLimit <= 0 {
		return DefaultQueueLimit
	}
	return o.QueueLimit
}

func (o *Options) logger() *log.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// CallEnvelope is one management-side method call.
type CallEnvelope struct {
	Destination string
	Path        dbus.ObjectPath
	Interface   string
	Method      string
	// Args are the call arguments, as management-side native values
	// or dbus.Values.
	Args []any
}

func (e CallEnvelope) String() string {
	return e.Destination + ":" + string(e.Path) + " " + e.Interface + "." + e.Method
}

// Bridge exposes foreign objects and methods to the management side.
type Bridge struct {
	reg         Registrar
	callTimeout time.Duration
	log         *log.Logger
	events      *EventStream
	relay       *Relay

	mu      sync.Mutex
	objects map[Origin]*Object
}

// New returns a Bridge that resolves calls and objects with reg. opts
// may be nil.
func New(reg Registrar, opts *Options) *Bridge {
	logger := opts.logger()
	events := NewEventStream(opts.queueLimit(), opts.eventTimeout())
	return &Bridge{
		reg:         reg,
		callTimeout: opts.callTimeout(),
		log:         logger,
		events:      events,
		relay:       NewRelay(events, logger),
		objects:     map[Origin]*Object{},
	}
}

// Events returns the bridge's event stream.
func (b *Bridge) Events() *EventStream { return b.events }

// Relay returns the bridge's signal relay.
func (b *Bridge) Relay() *Relay { return b.relay }

// Invoke performs the call described by env.
//
// The arguments are converted and checked against the method's input
// signature before anything is sent, a mismatch fails with
// ArgumentMismatch. The foreign method is invoked at most once. Its
// errors are reported as RemoteFault, and its results are checked
// against the declared output signature.
//
// The call timeout covers resolving the target as well as the call
// itself. If ctx is canceled, Invoke returns context.Canceled and the
// result of the call, if any, is discarded.
func (b *Bridge) Invoke(ctx context.Context, env CallEnvelope) ([]dbus.Value, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	m, err := b.reg.Resolve(callCtx, env.Destination, env.Path, env.Interface, env.Method)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if callCtx.Err() != nil {
			return nil, faultf(Timeout, err, "resolving %s took longer than %s", env, b.callTimeout)
		}
		return nil, err
	}

	args, err := FromNativeArgs(m.In, env.Args)
	if err != nil {
		return nil, faultf(ArgumentMismatch, err, "%s wants arguments %q", env.Method, m.In)
	}

	ret, err := m.Call(callCtx, args)
	if err != nil {
		return nil, b.callFault(ctx, callCtx, env, err)
	}

	if err := dbus.CheckAll(m.Out, ret); err != nil {
		kind := TypeMismatch
		if errors.Is(err, dbus.ErrArityMismatch) {
			kind = ArityMismatch
		}
		b.log.Warn("foreign method returned invalid values", "method", env.String(), "err", err)
		return nil, faultf(kind, err, "%s returned values not matching %q", env.Method, m.Out)
	}
	return ret, nil
}

// callFault classifies an error returned by a foreign method.
func (b *Bridge) callFault(ctx, callCtx context.Context, env CallEnvelope, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || dbus.IsCallError(err, dbus.ErrNameNoReply) {
		return faultf(Timeout, err, "%s did not reply within %s", env.Method, b.callTimeout)
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	var ce dbus.CallError
	if errors.As(err, &ce) {
		return &Fault{Kind: RemoteFault, Text: ce.Name + ": " + ce.Detail, Err: err}
	}
	return &Fault{Kind: RemoteFault, Text: err.Error(), Err: err}
}

// Call is like Invoke, but returns the results in management-side
// form.
func (b *Bridge) Call(ctx context.Context, env CallEnvelope) ([]any, error) {
	ret, err := b.Invoke(ctx, env)
	if err != nil {
		return nil, err
	}
	return ToNativeAll(ret), nil
}

// CallMember calls a method of a bridged object. member is the
// method's fully qualified name, such as
// "org.matahariproject.Test.multiplyString".
func (b *Bridge) CallMember(ctx context.Context, o Origin, member string, args ...any) ([]any, error) {
	i := strings.LastIndexByte(member, '.')
	if i < 0 {
		return nil, faultf(UnknownInterface, nil, "method %q has no interface", member)
	}
	return b.Call(ctx, CallEnvelope{
		Destination: o.Name,
		Path:        o.Path,
		Interface:   member[:i],
		Method:      member[i+1:],
		Args:        args,
	})
}

// AddObject registers the object at path on dest, and starts relaying
// its signals to the event stream. Adding an object again returns the
// existing registration.
//
// ctx bounds only the registration. Once AddObject returns, the object
// is relayed until the bridge is closed, regardless of ctx.
func (b *Bridge) AddObject(ctx context.Context, dest string, path dbus.ObjectPath) (*Object, error) {
	origin := Origin{dest, path}
	b.mu.Lock()
	if obj := b.objects[origin]; obj != nil {
		b.mu.Unlock()
		return obj, nil
	}
	b.mu.Unlock()

	obj, err := b.reg.Register(ctx, dest, path)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing := b.objects[origin]; existing != nil {
		return existing, nil
	}
	b.objects[origin] = obj
	b.relay.Attach(context.Background(), obj)
	b.log.Info("bridging object", "origin", origin)
	return obj, nil
}

// Objects returns the origins of all registered objects.
func (b *Bridge) Objects() []Origin {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]Origin, 0, len(b.objects))
	for o := range b.objects {
		ret = append(ret, o)
	}
	return ret
}

// Close stops relaying events, and closes the event stream.
func (b *Bridge) Close() error {
	err := b.relay.Close()
	b.events.Close()
	return err
}
