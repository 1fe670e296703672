package alert

import (
	"context"
	"sync/atomic"
	"time"
)

// Event is the payload posted from the interrupt side. It is never mutated
// after Post.
type Event struct {
	Seq uint64    `json:"seq" cbor:"1,keyasint"`
	At  time.Time `json:"at" cbor:"2,keyasint"`
}

// Handler does the deferred work for one event. It may block.
type Handler func(ctx context.Context, ev Event)

// DefaultQueueCapacity bounds pending alerts when the caller passes 0.
const DefaultQueueCapacity = 32

// Dispatcher is a single-consumer FIFO queue drained by one worker
// goroutine. Post is safe from any goroutine and never blocks.
type Dispatcher struct {
	q       chan Event
	handle  Handler
	seq     atomic.Uint64
	drops   atomic.Uint64
	done    atomic.Uint64
	stopped chan struct{}
	now     func() time.Time
}

// NewDispatcher returns a Dispatcher holding up to capacity pending events.
func NewDispatcher(capacity int, h Handler) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		q:       make(chan Event, capacity),
		handle:  h,
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// Post enqueues one event. It returns false and counts a drop when the
// queue is full.
func (d *Dispatcher) Post() bool {
	ev := Event{Seq: d.seq.Add(1), At: d.now()}
	select {
	case d.q <- ev:
		return true
	default:
		d.drops.Add(1)
		return false
	}
}

// Start runs the worker until ctx is done. Events still queued at that
// point are discarded; an event already dequeued runs to completion.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-d.q:
				d.handle(ctx, ev)
				d.done.Add(1)
			}
		}
	}()
}

// Stopped is closed once the worker has returned.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int { return len(d.q) }

// Processed returns the number of events the handler has finished.
func (d *Dispatcher) Processed() uint64 { return d.done.Load() }

// Drops returns the number of events refused because the queue was full.
func (d *Dispatcher) Drops() uint64 { return d.drops.Load() }
