package alert

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gaugewatch/internal/logger"
)

// StatusSource is the part of the gauge the alert worker needs.
type StatusSource interface {
	// Status returns the raw register in device layout.
	Status() (uint16, error)
	ClearStatus() error
}

// Record is the outcome of handling one event.
type Record struct {
	Event  Event   `json:"event" cbor:"1,keyasint"`
	Raw    uint16  `json:"raw" cbor:"2,keyasint"`
	Status Status  `json:"status" cbor:"3,keyasint"`
	Alerts []Alert `json:"alerts" cbor:"4,keyasint"`
}

// Sink receives every handled Record.
type Sink interface {
	RecordAlert(Record)
}

// Service reads, reports and clears the gauge status for each event.
type Service struct {
	src   StatusSource
	out   io.Writer
	sinks []Sink
}

// NewService returns a Service printing to out and forwarding to sinks.
func NewService(src StatusSource, out io.Writer, sinks ...Sink) *Service {
	return &Service{src: src, out: out, sinks: sinks}
}

// Handle is a Handler. Read or clear failures are logged and the event is
// abandoned; the register keeps its flags for the next attempt.
func (s *Service) Handle(ctx context.Context, ev Event) {
	fmt.Fprintln(s.out, "** Alert detected! **")

	raw, err := s.src.Status()
	if err != nil {
		logger.Error("alert #%d: reading status: %v", ev.Seq, err)
		return
	}
	st := FromRegister(raw)
	rec := Record{Event: ev, Raw: raw, Status: st, Alerts: Decode(st)}
	for _, a := range rec.Alerts {
		fmt.Fprintln(s.out, a.Message())
	}
	for _, sink := range s.sinks {
		sink.RecordAlert(rec)
	}

	if err := s.src.ClearStatus(); err != nil {
		logger.Error("alert #%d: clearing status: %v", ev.Seq, err)
	}
}

// History keeps the most recent records for display.
type History struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

// NewHistory returns a History holding up to n records.
func NewHistory(n int) *History {
	if n <= 0 {
		n = 1
	}
	return &History{buf: make([]Record, n)}
}

// RecordAlert implements Sink.
func (h *History) RecordAlert(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns the stored records, oldest first.
func (h *History) Recent() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Record(nil), h.buf[:h.next]...)
	}
	out := make([]Record, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
