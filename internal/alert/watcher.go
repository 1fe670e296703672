package alert

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Watcher turns falling edges on the active-low ALRT line into posts.
type Watcher struct {
	pin  gpio.PinIn
	post func() bool

	// Poll bounds each WaitForEdge so cancellation is noticed.
	Poll time.Duration
}

// NewWatcher returns a Watcher that calls post for every falling edge on pin.
func NewWatcher(pin gpio.PinIn, post func() bool) *Watcher {
	return &Watcher{pin: pin, post: post, Poll: 100 * time.Millisecond}
}

// Run arms the pin and blocks until ctx is done. post must not block.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("alert: arming %s: %w", w.pin, err)
	}
	defer w.pin.Halt()

	for ctx.Err() == nil {
		if w.pin.WaitForEdge(w.Poll) {
			w.post()
		}
	}
	return nil
}
