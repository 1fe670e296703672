// Package telemetry periodically reads the gauge and reports what it got.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"gaugewatch/internal/logger"
)

// Gauge is the read side of the fuel gauge.
type Gauge interface {
	ReportedCapacity() (float64, error)
	FullCapacity() (float64, error)
	StateOfCharge() (float64, error)
	CellVoltage() (physic.ElectricPotential, error)
	Current() (physic.ElectricCurrent, error)
	Temperature() (physic.Temperature, error)
}

// Snapshot is one pass over the gauge. Fields are read one by one, so they
// may describe slightly different instants. A nil field failed to read.
type Snapshot struct {
	At           time.Time `json:"at" cbor:"1,keyasint"`
	Capacity     *float64  `json:"capacity_mah,omitempty" cbor:"2,keyasint,omitempty"`
	FullCapacity *float64  `json:"full_capacity_mah,omitempty" cbor:"3,keyasint,omitempty"`
	SOC          *float64  `json:"state_of_charge,omitempty" cbor:"4,keyasint,omitempty"`
	Voltage      *float64  `json:"voltage_v,omitempty" cbor:"5,keyasint,omitempty"`
	Current      *float64  `json:"current_ma,omitempty" cbor:"6,keyasint,omitempty"`
	Temperature  *float64  `json:"temperature_c,omitempty" cbor:"7,keyasint,omitempty"`
}

// Sink receives every snapshot.
type Sink interface {
	RecordTelemetry(Snapshot)
}

// Loop reads the gauge every Period and toggles the status LED.
type Loop struct {
	gauge  Gauge
	led    gpio.PinOut
	out    io.Writer
	period time.Duration
	sinks  []Sink
	now    func() time.Time

	mu     sync.RWMutex
	latest Snapshot
	have   bool
	ledOn  bool
}

// NewLoop returns a Loop. led may be nil.
func NewLoop(g Gauge, led gpio.PinOut, out io.Writer, period time.Duration, sinks ...Sink) *Loop {
	if period <= 0 {
		period = 2 * time.Second
	}
	return &Loop{gauge: g, led: led, out: out, period: period, sinks: sinks, now: time.Now}
}

// Run reports once immediately and then every period until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.period)
	defer t.Stop()
	for {
		l.Tick()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick performs one read-and-report cycle.
func (l *Loop) Tick() Snapshot {
	s := l.Read()
	Print(l.out, s)
	for _, sink := range l.sinks {
		sink.RecordTelemetry(s)
	}
	l.toggleLED()

	l.mu.Lock()
	l.latest, l.have = s, true
	l.mu.Unlock()
	return s
}

// Read queries every field. Failures are logged and leave the field nil.
func (l *Loop) Read() Snapshot {
	s := Snapshot{At: l.now()}
	s.Capacity = readFloat("capacity", l.gauge.ReportedCapacity)
	s.FullCapacity = readFloat("full capacity", l.gauge.FullCapacity)
	s.SOC = readFloat("state of charge", l.gauge.StateOfCharge)
	s.Voltage = readFloat("voltage", func() (float64, error) {
		v, err := l.gauge.CellVoltage()
		return float64(v) / float64(physic.Volt), err
	})
	s.Current = readFloat("current", func() (float64, error) {
		i, err := l.gauge.Current()
		return float64(i) / float64(physic.MilliAmpere), err
	})
	s.Temperature = readFloat("temperature", func() (float64, error) {
		t, err := l.gauge.Temperature()
		return float64(t-physic.ZeroCelsius) / float64(physic.Kelvin), err
	})
	return s
}

func readFloat(name string, fn func() (float64, error)) *float64 {
	v, err := fn()
	if err != nil {
		logger.Error("reading %s: %v", name, err)
		return nil
	}
	return &v
}

// Latest returns the last snapshot, if any.
func (l *Loop) Latest() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest, l.have
}

func (l *Loop) toggleLED() {
	if l.led == nil {
		return
	}
	l.mu.Lock()
	l.ledOn = !l.ledOn
	on := l.ledOn
	l.mu.Unlock()
	if err := l.led.Out(gpio.Level(on)); err != nil {
		logger.Error("led %s: %v", l.led, err)
	}
}

// Print writes s in the console format, skipping fields that failed.
func Print(w io.Writer, s Snapshot) {
	line := func(p *float64, format string) {
		if p != nil {
			fmt.Fprintf(w, format+"\n", *p)
		}
	}
	line(s.Capacity, "Capacity: %.3f mAh")
	line(s.FullCapacity, "Full Capacity: %.3f mAh")
	line(s.SOC, "State of Charge: %.3f%%")
	line(s.Voltage, "Voltage: %.3f V")
	line(s.Current, "Current: %.3f mA")
	line(s.Temperature, "Temperature: %.3f °C")
}
