package dbus

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbusbridge/dbus/fragments"
)

// DefaultWatcherQueue is the number of undelivered signals a Watcher
// buffers before it starts dropping signals.
const DefaultWatcherQueue = 20

// Signal is a signal received from a bus peer.
type Signal struct {
	// Sender is the unique bus name of the signal's sender.
	Sender string
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Interface is the interface of the signal.
	Interface string
	// Member is the name of the signal.
	Member string
	// Signature is the signature of Body.
	Signature Signature
	// Body is the undecoded signal payload. It must not be modified.
	Body []byte
	// Order is the byte order of Body.
	Order fragments.ByteOrder
	// Overflow reports that the watcher discarded some signals that
	// followed this one, due to the caller not processing delivered
	// signals fast enough.
	Overflow bool
}

// Values decodes the signal's payload.
func (s *Signal) Values() ([]Value, error) {
	return Unmarshal(s.Signature, s.Body, s.Order)
}

// Watch watches the bus for signals from other bus participants.
//
// A newly created Watcher delivers no signals. The caller must use
// [Watcher.Match] to specify which signals the Watcher should
// provide.
func (c *Conn) Watch() *Watcher {
	return c.WatchQueue(DefaultWatcherQueue)
}

// WatchQueue is like [Conn.Watch], but buffers up to limit
// undelivered signals.
func (c *Conn) WatchQueue(limit int) *Watcher {
	if limit < 1 {
		limit = 1
	}
	w := &Watcher{
		conn:        c,
		limit:       limit,
		signals:     make(chan *Signal),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		w.stop()
		return w
	}
	c.watchers.Add(w)
	return w
}

// A Watcher delivers signals received from the bus that match its
// filters.
type Watcher struct {
	conn     *Conn
	limit    int
	signals  chan *Signal
	wakePump chan struct{}

	stopOnce    sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Signal]
	matches mapset.Set[*Match]
}

func (w *Watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopPump)
	})
	<-w.pumpStopped
}

// Close shuts down the Watcher and removes its matches from the bus.
func (w *Watcher) Close() {
	select {
	case <-w.pumpStopped:
		return
	default:
	}
	w.stop()

	w.conn.mu.Lock()
	if w.conn.watchers != nil {
		delete(w.conn.watchers, w)
	}
	w.conn.mu.Unlock()

	w.mu.Lock()
	ms := slices.Collect(maps.Keys(w.matches))
	clear(w.matches)
	w.queue.Clear()
	w.mu.Unlock()

	// The read loop takes w.mu to deliver signals, so bus calls must
	// not be made while holding it.
	for _, m := range ms {
		w.unmatch(m)
	}
}

// Chan returns the channel on which signals are delivered.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Watcher's receive queue and losing signals
// of interest. Missing signals due to an overflow are indicated by
// the Overflow field of the [Signal] that immediately precedes the
// discarded signal(s).
//
// The channel is closed when the Watcher or its Conn is closed.
func (w *Watcher) Chan() <-chan *Signal {
	return w.signals
}

// Match requests delivery of signals that match the specification m.
//
// Matches are additive: a signal is delivered if it matches any of
// the Watcher's match specifications.
//
// If the match is added successfully, the returned remove function
// may be used to remove the match without affecting other
// matches. Use of remove is optional, and may be ignored if the set
// of matches doesn't need to change for the lifetime of the Watcher.
func (w *Watcher) Match(ctx context.Context, m *Match) (remove func(), err error) {
	if s, ok := m.sender.GetOK(); ok {
		if err := w.conn.trackOwner(ctx, s); err != nil {
			return nil, err
		}
	}
	if err = w.conn.addMatch(ctx, m); err != nil {
		if s, ok := m.sender.GetOK(); ok {
			w.conn.untrackOwner(s)
		}
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches.Add(m)
	return func() {
		w.mu.Lock()
		found := w.matches.Has(m)
		delete(w.matches, m)
		w.mu.Unlock()
		if found {
			w.unmatch(m)
		}
	}, nil
}

func (w *Watcher) unmatch(m *Match) {
	w.conn.removeMatch(context.Background(), m)
	if s, ok := m.sender.GetOK(); ok {
		w.conn.untrackOwner(s)
	}
}

func (w *Watcher) enqueueLocked(s *Signal) {
	if w.queue.Len() >= w.limit {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(s)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

// deliverSignal queues a copy of sig if it matches any of the
// Watcher's filters.
func (w *Watcher) deliverSignal(sig *Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		// raced with a Close, this watcher is done.
		return
	default:
	}

	want := false
	for m := range w.matches {
		if m.matches(sig, w.conn.ownerOf) {
			want = true
			break
		}
	}
	if !want {
		return
	}

	cp := *sig
	w.enqueueLocked(&cp)
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Signal {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
