package i2cbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

// overlapBus records whether two Tx calls were ever in flight together.
type overlapBus struct {
	inflight atomic.Int32
	overlap  atomic.Bool
	speed    physic.Frequency
	closed   bool
}

func (b *overlapBus) String() string { return "overlap" }

func (b *overlapBus) Tx(addr uint16, w, r []byte) error {
	if b.inflight.Add(1) > 1 {
		b.overlap.Store(true)
	}
	time.Sleep(50 * time.Microsecond)
	b.inflight.Add(-1)
	return nil
}

func (b *overlapBus) SetSpeed(f physic.Frequency) error {
	b.speed = f
	return nil
}

func (b *overlapBus) Close() error {
	b.closed = true
	return nil
}

func TestLockedSerializesTransactions(t *testing.T) {
	inner := &overlapBus{}
	bus := New(inner)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = bus.Tx(0x36, []byte{0x00}, make([]byte, 2))
			}
		}()
	}
	wg.Wait()

	assert.False(t, inner.overlap.Load(), "transactions overlapped")
	assert.Equal(t, uint64(200), bus.Transactions())
}

func TestLockedForwards(t *testing.T) {
	inner := &overlapBus{}
	bus := New(inner)

	require.NoError(t, bus.SetSpeed(400*physic.KiloHertz))
	assert.Equal(t, 400*physic.KiloHertz, inner.speed)

	require.NoError(t, bus.Close())
	assert.True(t, inner.closed)
	assert.Equal(t, "locked(overlap)", bus.String())
}

func TestLockedPassesPayload(t *testing.T) {
	rec := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x36, W: []byte{0x09}, R: []byte{0x00, 0xBE}},
		},
		DontPanic: true,
	}
	bus := New(rec)

	r := make([]byte, 2)
	require.NoError(t, bus.Tx(0x36, []byte{0x09}, r))
	assert.Equal(t, []byte{0x00, 0xBE}, r)

	err := bus.Tx(0x36, []byte{0x0A}, r)
	assert.Error(t, err)
	require.NoError(t, rec.Close())
}

func TestNewDoesNotDoubleWrap(t *testing.T) {
	bus := New(&overlapBus{})
	assert.Same(t, bus, New(bus))
}

func TestCloseWithoutCloser(t *testing.T) {
	bus := New(noCloser{})
	assert.NoError(t, bus.Close())
}

type noCloser struct{}

func (noCloser) String() string                  { return "nc" }
func (noCloser) Tx(uint16, []byte, []byte) error { return errors.New("nack") }
func (noCloser) SetSpeed(physic.Frequency) error { return nil }
