package bridge

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Event logs are a sequence of CBOR records, one per event, written
// with core deterministic encoding.
var (
	logEncMode cbor.EncMode
	logDecMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	logEncMode, err = opts.EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	logDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// EventRecord is the logged form of an Event.
type EventRecord struct {
	Time      time.Time      `cbor:"time"`
	Name      string         `cbor:"name"`
	Path      string         `cbor:"path"`
	Interface string         `cbor:"interface"`
	Member    string         `cbor:"member"`
	Signature string         `cbor:"signature"`
	Args      map[string]any `cbor:"args,omitempty"`
	Overflow  bool           `cbor:"overflow,omitempty"`
}

// NewEventRecord returns the log record of e, received at t.
func NewEventRecord(e *Event, t time.Time) EventRecord {
	return EventRecord{
		Time:      t.UTC(),
		Name:      e.Origin.Name,
		Path:      string(e.Origin.Path),
		Interface: e.Interface,
		Member:    e.Name,
		Signature: e.Signature.String(),
		Args:      e.NamedArgs(),
		Overflow:  e.Overflow,
	}
}

// EventLog writes event records to a stream.
type EventLog struct {
	enc *cbor.Encoder
	now func() time.Time
}

// NewEventLog returns an EventLog that writes to w.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{
		enc: logEncMode.NewEncoder(w),
		now: time.Now,
	}
}

// Write appends e to the log.
func (l *EventLog) Write(e *Event) error {
	return l.enc.Encode(NewEventRecord(e, l.now()))
}

// Record writes the events delivered by sub to the log, until ctx is
// canceled or sub is closed. Receive timeouts are not errors.
func (l *EventLog) Record(ctx context.Context, sub *Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, Timeout) && ctx.Err() == nil {
			continue
		} else if errors.Is(err, ErrSubscriptionClosed) || ctx.Err() != nil {
			return nil
		} else if err != nil {
			return err
		}
		if err := l.Write(ev); err != nil {
			return err
		}
	}
}

// ReadEventLog decodes all the records in r.
func ReadEventLog(r io.Reader) ([]EventRecord, error) {
	dec := logDecMode.NewDecoder(r)
	var ret []EventRecord
	for {
		var rec EventRecord
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			return ret, nil
		} else if err != nil {
			return ret, err
		}
		ret = append(ret, rec)
	}
}
