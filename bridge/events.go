package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/mds/value"
	"github.com/danderson/dbusbridge/dbus"
)

// DefaultQueueLimit is the number of undelivered events a
// Subscription buffers before it starts dropping events.
const DefaultQueueLimit = 64

// ErrSubscriptionClosed is returned by [Subscription.Next] after the
// subscription or its stream is closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Event is a foreign signal relayed to the management side.
//
// Events are immutable once published.
type Event struct {
	// Origin is the registered object that emitted the signal.
	Origin Origin
	// Interface and Name identify the signal.
	Interface string
	Name      string
	// Signature is the signature of Payload.
	Signature dbus.Signature
	// Payload is the signal's arguments, in order.
	Payload []dbus.Value
	// ArgNames are the names of the arguments in Payload. Arguments
	// without a known name are called "argN".
	ArgNames []string
	// Overflow reports that the subscriber lagged, and some events
	// that followed this one were discarded.
	Overflow bool
}

// Member returns the event's fully qualified signal name.
func (e *Event) Member() string {
	return e.Interface + "." + e.Name
}

// Arg returns the value of the named argument.
func (e *Event) Arg(name string) (dbus.Value, bool) {
	for i, n := range e.ArgNames {
		if n == name && i < len(e.Payload) {
			return e.Payload[i], true
		}
	}
	return nil, false
}

// Native returns the payload in management-side form.
func (e *Event) Native() []any {
	return ToNativeAll(e.Payload)
}

// NamedArgs returns the payload in management-side form, keyed by
// argument name.
func (e *Event) NamedArgs() map[string]any {
	ret := make(map[string]any, len(e.Payload))
	for i, v := range e.Payload {
		if i < len(e.ArgNames) {
			ret[e.ArgNames[i]] = ToNative(v)
		}
	}
	return ret
}

// EventFilter selects events for a subscription. Unset fields match
// all events.
type EventFilter struct {
	Origin    value.Maybe[Origin]
	Interface value.Maybe[string]
	Name      value.Maybe[string]
}

// AllEvents is the filter that matches every event.
var AllEvents = EventFilter{}

// FromOrigin returns a filter for events emitted by o.
func FromOrigin(o Origin) EventFilter {
	return EventFilter{Origin: value.Just(o)}
}

// Named returns a copy of f that also requires the event to be the
// given signal.
func (f EventFilter) Named(iface, name string) EventFilter {
	f.Interface = value.Just(iface)
	f.Name = value.Just(name)
	return f
}

func (f EventFilter) matches(e *Event) bool {
	if o, ok := f.Origin.GetOK(); ok && o != e.Origin {
		return false
	}
	if i, ok := f.Interface.GetOK(); ok && i != e.Interface {
		return false
	}
	if n, ok := f.Name.GetOK(); ok && n != e.Name {
		return false
	}
	return true
}

// EventStream fans published events out to subscribers.
type EventStream struct {
	limit   int
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	subs   mapset.Set[*Subscription]
}

// NewEventStream returns a stream whose subscriptions buffer up to
// queueLimit events, and whose Subscription.Next waits up to timeout
// when the caller's context has no deadline.
func NewEventStream(queueLimit int, timeout time.Duration) *EventStream {
	if queueLimit < 1 {
		queueLimit = DefaultQueueLimit
	}
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	return &EventStream{
		limit:   queueLimit,
		timeout: timeout,
		subs:    mapset.New[*Subscription](),
	}
}

// Subscribe returns a subscription to events that match f.
func (s *EventStream) Subscribe(f EventFilter) *Subscription {
	ret := &Subscription{
		stream: s,
		filter: f,
		wake:   make(chan struct{}, 1),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ret.closed = true
		return ret
	}
	s.subs.Add(ret)
	return ret
}

// Publish delivers e to every matching subscriber, in publication
// order. Publish never blocks on slow subscribers.
func (s *EventStream) Publish(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.filter.matches(e) {
			sub.enqueue(e)
		}
	}
}

// Close closes the stream and all its subscriptions.
func (s *EventStream) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = mapset.New[*Subscription]()
	s.mu.Unlock()
	for sub := range subs {
		sub.markClosed()
	}
}

// Subscription is a subscriber's queue of events.
type Subscription struct {
	stream *EventStream
	filter EventFilter
	wake   chan struct{}

	mu     sync.Mutex
	closed bool
	queue  queue.Queue[*Event]
}

func (s *Subscription) enqueue(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.queue.Len() >= s.stream.limit {
		last, _ := s.queue.Peek(-1)
		last.Overflow = true
		return
	}
	// Each subscriber gets its own copy, so that Overflow is
	// per-subscriber.
	cp := *e
	s.queue.Add(&cp)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the next event.
//
// If ctx has no deadline, Next waits for at most the stream's event
// timeout. When the wait expires, Next returns a [Fault] of kind
// Timeout. If ctx is canceled, Next returns ctx.Err().
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stream.timeout)
		defer cancel()
	}
	for {
		s.mu.Lock()
		ev, ok := s.queue.Pop()
		closed := s.closed
		s.mu.Unlock()
		if ok {
			return ev, nil
		}
		if closed {
			return nil, ErrSubscriptionClosed
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, faultf(Timeout, ctx.Err(), "no event received")
			}
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of events waiting to be read.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close ends the subscription. Events already queued can still be
// read with Next.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	delete(s.stream.subs, s)
	s.stream.mu.Unlock()
	s.markClosed()
}
