package max17201

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig controls how transient bus errors are retried.
type RetryConfig struct {
	MaxAttempts int           // must be > 0
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // cap on delay, 1s when zero
}

var errNoAttempts = errors.New("max17201: RetryConfig.MaxAttempts must be > 0")

// Registers are 16-bit little-endian words. Addresses above 0xFF are
// reached through the NV slave address with the low byte as pointer.

func (d *Dev) readWord(reg uint16) (uint16, error) {
	var r [2]byte
	if err := d.dev(reg).Tx([]byte{byte(reg)}, r[:]); err != nil {
		return 0, fmt.Errorf("max17201: read 0x%03X: %w", reg, err)
	}
	return uint16(r[0]) | uint16(r[1])<<8, nil
}

func (d *Dev) readSigned(reg uint16) (int16, error) {
	v, err := d.readWord(reg)
	return int16(v), err
}

func (d *Dev) writeWord(reg, val uint16) error {
	if err := d.dev(reg).Tx([]byte{byte(reg), byte(val), byte(val >> 8)}, nil); err != nil {
		return fmt.Errorf("max17201: write 0x%03X: %w", reg, err)
	}
	return nil
}

func (d *Dev) modifyWord(reg, set, clear uint16) error {
	v, err := d.readWord(reg)
	if err != nil {
		return err
	}
	return d.writeWord(reg, v&^clear|set)
}

// retry calls fn until it succeeds, attempts run out or ctx is done,
// sleeping BaseDelay<<attempt (capped at MaxDelay) between attempts.
func retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		return errNoAttempts
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, min(cfg.BaseDelay<<uint(attempt), cfg.MaxDelay)); err != nil {
			return err
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
