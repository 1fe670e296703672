// Package i2cbus serializes access to an I2C bus shared by several
// goroutines.
//
// The telemetry loop and the alert worker both talk to the gauge. periph
// buses do not promise that concurrent Tx calls are safe, so every
// transaction goes through Locked.
package i2cbus

import (
	"io"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Locked wraps an i2c.Bus so that at most one transaction is in flight.
type Locked struct {
	mu  sync.Mutex
	bus i2c.Bus
	txs atomic.Uint64
}

// New wraps bus. Wrapping an already Locked bus returns it unchanged.
func New(bus i2c.Bus) *Locked {
	if l, ok := bus.(*Locked); ok {
		return l
	}
	return &Locked{bus: bus}
}

func (l *Locked) String() string {
	return "locked(" + l.bus.String() + ")"
}

// Tx implements i2c.Bus.
func (l *Locked) Tx(addr uint16, w, r []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs.Add(1)
	return l.bus.Tx(addr, w, r)
}

// SetSpeed implements i2c.Bus.
func (l *Locked) SetSpeed(f physic.Frequency) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bus.SetSpeed(f)
}

// Close closes the underlying bus when it supports it.
func (l *Locked) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.bus.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Transactions returns the number of Tx calls issued so far.
func (l *Locked) Transactions() uint64 { return l.txs.Load() }

var _ i2c.BusCloser = (*Locked)(nil)
