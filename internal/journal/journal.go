// Package journal appends gauge telemetry and handled alerts to a file as a
// stream of CBOR events.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"gaugewatch/internal/alert"
	"gaugewatch/internal/telemetry"
)

// Kind tags what an Event carries.
type Kind uint8

const (
	KindSession Kind = iota
	KindTelemetry
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindTelemetry:
		return "telemetry"
	case KindAlert:
		return "alert"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one journal entry. Exactly one payload matches Kind; a
// KindSession event has none.
type Event struct {
	Session   string              `cbor:"1,keyasint"`
	Timestamp time.Time           `cbor:"2,keyasint"`
	Kind      Kind                `cbor:"3,keyasint"`
	Telemetry *telemetry.Snapshot `cbor:"4,keyasint,omitempty"`
	Alert     *alert.Record       `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("journal: cbor decoder mode: %v", err))
	}
}

// Journal writes events. It is safe for concurrent use; encoding errors
// are counted, not returned, so recording never disturbs the caller.
type Journal struct {
	mu      sync.Mutex
	enc     *cbor.Encoder
	closer  io.Closer
	session string
	closed  bool
	errs    int
	now     func() time.Time
}

// Open appends to the file at path, creating it with 0644, and starts a
// new session with a random id.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	j := New(f, uuid.New().String())
	j.closer = f
	return j, nil
}

// New writes to w under the given session id and records a session event.
func New(w io.Writer, session string) *Journal {
	j := &Journal{enc: encMode.NewEncoder(w), session: session, now: time.Now}
	j.write(Event{Kind: KindSession})
	return j
}

// Session returns the session id stamped on every event.
func (j *Journal) Session() string { return j.session }

// RecordTelemetry implements telemetry.Sink.
func (j *Journal) RecordTelemetry(s telemetry.Snapshot) {
	j.write(Event{Kind: KindTelemetry, Timestamp: s.At, Telemetry: &s})
}

// RecordAlert implements alert.Sink.
func (j *Journal) RecordAlert(r alert.Record) {
	j.write(Event{Kind: KindAlert, Timestamp: r.Event.At, Alert: &r})
}

func (j *Journal) write(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	ev.Session = j.session
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now()
	}
	if err := j.enc.Encode(ev); err != nil {
		j.errs++
	}
}

// Errors returns how many events failed to encode or write.
func (j *Journal) Errors() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errs
}

// Close stops recording and closes the file opened by Open. It is safe to
// call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// Reader decodes events written by a Journal.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Next returns the next event or io.EOF.
func (r *Reader) Next() (Event, error) {
	var ev Event
	if err := r.dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadAll decodes every event in r.
func ReadAll(r io.Reader) ([]Event, error) {
	rd := NewReader(r)
	var out []Event
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

var (
	_ alert.Sink     = (*Journal)(nil)
	_ telemetry.Sink = (*Journal)(nil)
)
