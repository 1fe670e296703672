// Package alert decodes the gauge status word and moves alert handling out
// of the interrupt path onto a single worker.
package alert

import (
	"fmt"
	"math/bits"
	"strings"
)

// Condition is one named status flag.
type Condition int

const (
	Unsupported Condition = iota
	PowerOnReset
	CurrentLow
	BatteryPresent
	CurrentHigh
	SOCChange
	VoltageLow
	TemperatureLow
	SOCLow
	BatteryInserted
	VoltageHigh
	TemperatureHigh
	SOCHigh
	BatteryRemoved
)

// conditionByBit maps a Status bit index to its condition. Indexes left at
// the zero value are Unsupported.
var conditionByBit = [16]Condition{
	14: PowerOnReset,
	13: CurrentLow,
	12: BatteryPresent,
	9:  CurrentHigh,
	8:  SOCChange,
	7:  VoltageLow,
	6:  TemperatureLow,
	5:  SOCLow,
	4:  BatteryInserted,
	3:  VoltageHigh,
	2:  TemperatureHigh,
	1:  SOCHigh,
	0:  BatteryRemoved,
}

var conditionNames = [...]string{
	Unsupported:     "unsupported",
	PowerOnReset:    "power-on-reset",
	CurrentLow:      "current-low",
	BatteryPresent:  "battery-present",
	CurrentHigh:     "current-high",
	SOCChange:       "soc-change",
	VoltageLow:      "voltage-low",
	TemperatureLow:  "temperature-low",
	SOCLow:          "soc-low",
	BatteryInserted: "battery-inserted",
	VoltageHigh:     "voltage-high",
	TemperatureHigh: "temperature-high",
	SOCHigh:         "soc-high",
	BatteryRemoved:  "battery-removed",
}

var conditionMessages = [...]string{
	Unsupported:     "Alert: unsupported",
	PowerOnReset:    "Info: Power On Reset Indicator",
	CurrentLow:      "Alert: Minimum Current Threshold Exceeded",
	BatteryPresent:  "Alert: Battery presence indicator",
	CurrentHigh:     "Alert: Maximum Current Threshold Exceeded",
	SOCChange:       "Warning: 1% SOC change",
	VoltageLow:      "Alert: Minimum Voltage Alert Threshold Exceeded",
	TemperatureLow:  "Alert: Minimum Temperature Alert Threshold Exceeded",
	SOCLow:          "Alert: Minimum State of Charge Alert Threshold Exceeded",
	BatteryInserted: "Alert: Battery Insertion",
	VoltageHigh:     "Alert: Maximum Voltage Alert Threshold Exceeded",
	TemperatureHigh: "Alert: Maximum Temperature Alert Threshold Exceeded",
	SOCHigh:         "Alert: Maximum SOC Alert Threshold Exceeded",
	BatteryRemoved:  "Alert: Battery Removal",
}

func (c Condition) valid() bool { return c >= 0 && int(c) < len(conditionNames) }

func (c Condition) String() string {
	if !c.valid() {
		return fmt.Sprintf("Condition(%d)", int(c))
	}
	return conditionNames[c]
}

// Message is the console line for c.
func (c Condition) Message() string {
	if !c.valid() {
		return c.String()
	}
	return conditionMessages[c]
}

// Severity classifies conditions for display.
type Severity int

const (
	SeverityAlert Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "alert"
	}
}

// Severity returns how loudly c should be reported.
func (c Condition) Severity() Severity {
	switch c {
	case PowerOnReset:
		return SeverityInfo
	case SOCChange:
		return SeverityWarning
	default:
		return SeverityAlert
	}
}

// MarshalText encodes c by name.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (c *Condition) UnmarshalText(b []byte) error {
	for i, n := range conditionNames {
		if n == string(b) {
			*c = Condition(i)
			return nil
		}
	}
	return fmt.Errorf("alert: unknown condition %q", b)
}

// Bit returns the Status bit index c is mapped to, or -1 for Unsupported.
func (c Condition) Bit() int {
	if c == Unsupported {
		return -1
	}
	for i, m := range conditionByBit {
		if m == c {
			return i
		}
	}
	return -1
}

// Status is the 16-bit alert status word, indexed as in conditionByBit.
//
// The index order is the reverse of the MAX17201 Status register layout:
// index i is device bit 15-i.
type Status uint16

// FromRegister converts a raw device Status register value.
func FromRegister(raw uint16) Status {
	return Status(bits.Reverse16(raw))
}

// Register converts s back to the device layout.
func (s Status) Register() uint16 {
	return bits.Reverse16(uint16(s))
}

// Has reports whether the bit mapped to c is set.
func (s Status) Has(c Condition) bool {
	b := c.Bit()
	return b >= 0 && s&(1<<b) != 0
}

// Of builds a Status with the bits of every condition in cs set.
func Of(cs ...Condition) Status {
	var s Status
	for _, c := range cs {
		if b := c.Bit(); b >= 0 {
			s |= 1 << b
		}
	}
	return s
}

func (s Status) String() string {
	as := Decode(s)
	if len(as) == 0 {
		return "none"
	}
	names := make([]string, len(as))
	for i, a := range as {
		names[i] = a.String()
	}
	return strings.Join(names, "|")
}

// Alert is one asserted status bit.
type Alert struct {
	Bit       uint8     `json:"bit" cbor:"1,keyasint"`
	Condition Condition `json:"condition" cbor:"2,keyasint"`
}

func (a Alert) String() string {
	if a.Condition == Unsupported {
		return fmt.Sprintf("unsupported(bit %d)", a.Bit)
	}
	return a.Condition.String()
}

// Message is the console line for a.
func (a Alert) Message() string {
	if a.Condition == Unsupported {
		return fmt.Sprintf("Alert: unsupported status bit %d", a.Bit)
	}
	return a.Condition.Message()
}

// Decode returns one Alert per set bit of s, scanning bit 15 down to bit 0.
// Bits without a mapped condition come back as Unsupported.
func Decode(s Status) []Alert {
	out := make([]Alert, 0, bits.OnesCount16(uint16(s)))
	for i := 15; i >= 0; i-- {
		if s&(1<<i) == 0 {
			continue
		}
		out = append(out, Alert{Bit: uint8(i), Condition: conditionByBit[i]})
	}
	return out
}
