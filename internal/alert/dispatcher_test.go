package alert

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqRecorder struct {
	mu     sync.Mutex
	seqs   []uint64
	active int
	maxPar int
	delay  time.Duration
}

func (r *seqRecorder) handle(ctx context.Context, ev Event) {
	r.mu.Lock()
	r.active++
	r.maxPar = max(r.maxPar, r.active)
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active--
	r.seqs = append(r.seqs, ev.Seq)
	r.mu.Unlock()
}

func (r *seqRecorder) snapshot() ([]uint64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...), r.maxPar
}

func TestDispatcherBurstIsFIFOExactlyOnce(t *testing.T) {
	const n = 50
	rec := &seqRecorder{delay: time.Millisecond}
	d := NewDispatcher(n, rec.handle)

	// Post the whole burst before the worker can drain anything.
	for i := 0; i < n; i++ {
		require.True(t, d.Post())
	}
	assert.Equal(t, n, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	require.Eventually(t, func() bool { return d.Processed() == n }, 5*time.Second, 5*time.Millisecond)

	seqs, maxPar := rec.snapshot()
	require.Len(t, seqs, n)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
	assert.Equal(t, 1, maxPar, "handlers never overlap")
	assert.Zero(t, d.Drops())
}

func TestDispatcherPostWhileDraining(t *testing.T) {
	const n = 20
	rec := &seqRecorder{delay: 2 * time.Millisecond}
	d := NewDispatcher(n, rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	for i := 0; i < n; i++ {
		require.True(t, d.Post())
	}
	require.Eventually(t, func() bool { return d.Processed() == n }, 5*time.Second, 5*time.Millisecond)

	seqs, maxPar := rec.snapshot()
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
	assert.Equal(t, 1, maxPar)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(2, func(context.Context, Event) {})

	assert.True(t, d.Post())
	assert.True(t, d.Post())
	assert.False(t, d.Post())
	assert.Equal(t, uint64(1), d.Drops())
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	d := NewDispatcher(0, func(context.Context, Event) {})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	select {
	case <-d.Stopped():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestDispatcherStoppedWaitsForInFlightHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	d := NewDispatcher(0, func(context.Context, Event) {
		close(started)
		<-release
		finished.Store(true)
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	require.True(t, d.Post())
	<-started
	cancel()

	select {
	case <-d.Stopped():
		t.Fatal("worker stopped with a handler still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-d.Stopped():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.True(t, finished.Load())
	assert.Equal(t, uint64(1), d.Processed())
}

func TestDispatcherStampsEvents(t *testing.T) {
	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	got := make(chan Event, 1)
	d := NewDispatcher(1, func(_ context.Context, ev Event) { got <- ev })
	d.now = func() time.Time { return at }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, d.Post())
	d.Start(ctx)

	select {
	case ev := <-got:
		assert.Equal(t, Event{Seq: 1, At: at}, ev)
	case <-time.After(time.Second):
		t.Fatal("event not handled")
	}
}
