package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbusbridge/dbus"
)

const (
	minRelayBackoff = 100 * time.Millisecond
	maxRelayBackoff = 30 * time.Second
)

// Relay forwards foreign signals from registered objects to an
// EventStream.
type Relay struct {
	stream *EventStream
	log    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	malformed atomic.Int64
}

// NewRelay returns a relay that publishes to stream.
func NewRelay(stream *EventStream, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		stream: stream,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
	}
}

// OnForeignEvent decodes sig, received from obj, into an Event.
//
// A signal whose body does not decode against its signature is
// dropped: OnForeignEvent logs and counts it, and returns a
// MalformedEvent fault.
func (r *Relay) OnForeignEvent(obj *Object, sig *dbus.Signal) (*Event, error) {
	vals, err := sig.Values()
	if err != nil {
		r.malformed.Add(1)
		r.log.Warn("dropping malformed signal", "origin", obj.Origin, "signal", sig.Interface+"."+sig.Member, "err", err)
		return nil, faultf(MalformedEvent, err, "signal %s.%s from %s", sig.Interface, sig.Member, obj.Origin)
	}

	ret := &Event{
		Origin:    obj.Origin,
		Interface: sig.Interface,
		Name:      sig.Member,
		Signature: sig.Signature,
		Payload:   vals,
		Overflow:  sig.Overflow,
	}
	if desc := obj.signal(sig.Interface, sig.Member); desc != nil && desc.Signature().Equal(sig.Signature) {
		ret.ArgNames = desc.ArgNames()
	} else {
		ret.ArgNames = make([]string, len(vals))
		for i := range vals {
			ret.ArgNames[i] = fmt.Sprintf("arg%d", i)
		}
	}
	return ret, nil
}

// Publish forwards e to the relay's event stream.
func (r *Relay) Publish(e *Event) {
	r.stream.Publish(e)
}

// Malformed returns the number of signals dropped because they could
// not be decoded.
func (r *Relay) Malformed() int64 {
	return r.malformed.Load()
}

// Attach starts relaying obj's signals, until ctx is canceled or the
// relay is closed.
//
// If obj's signal source fails, it is reopened with exponential
// backoff.
func (r *Relay) Attach(ctx context.Context, obj *Object) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	r.tasks.Go(func() error {
		defer stop()
		defer cancel()
		r.listen(ctx, obj)
		return nil
	})
}

func (r *Relay) listen(ctx context.Context, obj *Object) {
	backoff := minRelayBackoff
	for {
		sigs, err := obj.Listen(ctx)
		if err == nil {
			backoff = minRelayBackoff
			for sig := range sigs {
				ev, err := r.OnForeignEvent(obj, sig)
				if err != nil {
					continue
				}
				r.Publish(ev)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.log.Warn("opening signal source", "origin", obj.Origin, "err", err, "retry", backoff)
		} else {
			r.log.Warn("signal source closed, reopening", "origin", obj.Origin, "retry", backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(2*backoff, maxRelayBackoff)
	}
}

// Close stops all listeners and waits for them to exit.
func (r *Relay) Close() error {
	r.cancel()
	return r.tasks.Wait()
}
