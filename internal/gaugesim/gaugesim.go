// Package gaugesim emulates a MAX17201 fuel gauge behind a periph i2c.Bus.
//
// It keeps a register file, acknowledges the two slave addresses of the
// real part, latches Status flags when comparator thresholds are crossed
// and calls an alert hook the way the ALRT pin would fire. It backs the
// driver tests and the -simulate mode.
package gaugesim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// ErrNack is returned for every transaction the device does not acknowledge.
var ErrNack = errors.New("gaugesim: no acknowledgment")

const (
	addrMain = 0x36
	addrNV   = 0x0B
)

// Registers the simulation gives meaning to.
const (
	RegStatus     = 0x000
	RegVAlrtTh    = 0x001
	RegTAlrtTh    = 0x002
	RegSAlrtTh    = 0x003
	RegRepCap     = 0x005
	RegRepSOC     = 0x006
	RegTemp       = 0x008
	RegVCell      = 0x009
	RegCurrent    = 0x00A
	RegFullCapRep = 0x010
	RegConfig     = 0x01D
	RegDevName    = 0x021
	RegFStat      = 0x03D
	RegIAlrtTh    = 0x0AC
	RegConfig2    = 0x0BB
	RegNDesignCap = 0x1B3
	RegNPackCfg   = 0x1B5
	RegNRSense    = 0x1CF
)

// Status bits in device layout.
const (
	POR   uint16 = 1 << 1
	Imn   uint16 = 1 << 2
	Imx   uint16 = 1 << 6
	DSOCi uint16 = 1 << 7
	Vmn   uint16 = 1 << 8
	Tmn   uint16 = 1 << 9
	Smn   uint16 = 1 << 10
	Bi    uint16 = 1 << 11
	Vmx   uint16 = 1 << 12
	Tmx   uint16 = 1 << 13
	Smx   uint16 = 1 << 14
	Br    uint16 = 1 << 15
)

const (
	configAen     uint16 = 1 << 2
	config2PORCmd uint16 = 1 << 0
)

// Write is one register write seen by the device.
type Write struct {
	Reg   uint16
	Value uint16
}

// Device is a simulated MAX17201. The zero value is not usable; call New.
type Device struct {
	mu       sync.Mutex
	regs     map[uint16]uint16
	writes   []Write
	absent   bool
	failNext int
	onAlert  func()

	charge  float64 // RepCap in register units, fractional
	lastSOC int
}

// New returns a device holding a partly discharged cell at room temperature
// with the POR flag set, as after power-up.
func New() *Device {
	d := &Device{
		regs: map[uint16]uint16{
			RegStatus:     POR,
			RegVAlrtTh:    0xFF00,
			RegTAlrtTh:    0x7F80,
			RegSAlrtTh:    0xFF00,
			RegIAlrtTh:    0x7F80,
			RegDevName:    0x4051,
			RegFullCapRep: 1600,
			RegCurrent:    uint16(0xFD00), // -768
			RegTemp:       25*256 + 128,
		},
	}
	d.charge = 1000
	d.refresh()
	d.lastSOC = d.socPercent()
	return d
}

func (d *Device) String() string { return "gaugesim" }

// SetSpeed implements i2c.Bus.
func (d *Device) SetSpeed(physic.Frequency) error { return nil }

// Close implements i2c.BusCloser.
func (d *Device) Close() error { return nil }

// Tx implements i2c.Bus with the MAX17201 word protocol: a one byte
// register pointer followed by a little-endian 16-bit read or write.
func (d *Device) Tx(addr uint16, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.absent {
		return ErrNack
	}
	if d.failNext > 0 {
		d.failNext--
		return ErrNack
	}
	var base uint16
	switch addr {
	case addrMain:
	case addrNV:
		base = 0x100
	default:
		return ErrNack
	}
	if len(w) == 0 {
		return fmt.Errorf("gaugesim: missing register pointer")
	}
	reg := base | uint16(w[0])
	switch {
	case len(w) == 1 && len(r) == 2:
		v := d.regs[reg]
		r[0], r[1] = byte(v), byte(v>>8)
	case len(w) == 3 && len(r) == 0:
		d.write(reg, uint16(w[1])|uint16(w[2])<<8)
	default:
		return fmt.Errorf("gaugesim: unsupported transfer w=%d r=%d", len(w), len(r))
	}
	return nil
}

func (d *Device) write(reg, v uint16) {
	d.writes = append(d.writes, Write{Reg: reg, Value: v})
	if reg == RegConfig2 && v&config2PORCmd != 0 {
		v &^= config2PORCmd
		d.gaugeReset()
	}
	d.regs[reg] = v
}

// gaugeReset restarts estimation from the shadow RAM model.
func (d *Device) gaugeReset() {
	if dc := d.regs[RegNDesignCap]; dc != 0 {
		soc := d.charge / float64(d.regs[RegFullCapRep])
		d.regs[RegFullCapRep] = dc
		d.charge = soc * float64(dc)
	}
	d.regs[RegStatus] |= POR
	d.refresh()
}

// SetAbsent makes the device stop acknowledging.
func (d *Device) SetAbsent(absent bool) {
	d.mu.Lock()
	d.absent = absent
	d.mu.Unlock()
}

// FailNext makes the next n transactions fail as transient NACKs.
func (d *Device) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// OnAlert registers fn, called without the device lock held whenever new
// Status flags latch while Config.Aen is set.
func (d *Device) OnAlert(fn func()) {
	d.mu.Lock()
	d.onAlert = fn
	d.mu.Unlock()
}

// Reg returns a register value.
func (d *Device) Reg(reg uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[reg]
}

// SetReg overwrites a register without side effects.
func (d *Device) SetReg(reg, v uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[reg] = v
	if reg == RegRepCap {
		d.charge = float64(v)
		d.refresh()
	}
}

// Writes returns the register writes seen so far.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Raise latches bits into Status and fires the alert hook when alerts are
// enabled.
func (d *Device) Raise(bits uint16) {
	d.mu.Lock()
	fire := d.latch(bits)
	d.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// latch must be called with d.mu held. It returns the hook to run, if any.
func (d *Device) latch(bits uint16) func() {
	fresh := bits &^ d.regs[RegStatus]
	d.regs[RegStatus] |= bits
	if fresh == 0 || d.regs[RegConfig]&configAen == 0 {
		return nil
	}
	return d.onAlert
}

// Step advances the cell by dt: integrates current into charge, updates
// the derived registers and evaluates the alert comparators.
func (d *Device) Step(dt time.Duration) {
	d.mu.Lock()
	cur := float64(int16(d.regs[RegCurrent]))
	// Capacity LSB is 5 uVh/R and current LSB 1.5625 uV/R, so one current
	// unit held for an hour moves 0.3125 capacity units.
	d.charge += cur * 0.3125 * dt.Hours()
	full := float64(d.regs[RegFullCapRep])
	d.charge = math.Max(0, math.Min(full, d.charge))
	d.refresh()
	fire := d.latch(d.compare())
	d.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Run calls Step every interval, advancing simulated time by interval
// multiplied by speedup, until ctx is done.
func (d *Device) Run(ctx context.Context, interval time.Duration, speedup float64) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Step(time.Duration(float64(interval) * speedup))
		}
	}
}

func (d *Device) socPercent() int {
	return int(d.regs[RegRepSOC] / 256)
}

// refresh derives RepCap, RepSOC and VCell from the charge.
func (d *Device) refresh() {
	full := float64(d.regs[RegFullCapRep])
	soc := 0.0
	if full > 0 {
		soc = d.charge / full
	}
	d.regs[RegRepCap] = uint16(math.Round(d.charge))
	d.regs[RegRepSOC] = uint16(math.Round(soc * 100 * 256))
	// Linear 3.0 V to 4.2 V open-circuit curve, 78.125 uV per LSB.
	d.regs[RegVCell] = uint16(math.Round((3.0 + 1.2*soc) / 78.125e-6))
}

// compare returns the Status bits the comparators assert for the current
// register values.
func (d *Device) compare() uint16 {
	var bits uint16

	mv := float64(d.regs[RegVCell]) * 0.078125
	vth := d.regs[RegVAlrtTh]
	if mv > float64(vth>>8)*20 {
		bits |= Vmx
	}
	if mv < float64(vth&0xFF)*20 {
		bits |= Vmn
	}

	soc := float64(d.regs[RegRepSOC]) / 256
	sth := d.regs[RegSAlrtTh]
	if soc > float64(sth>>8) {
		bits |= Smx
	}
	if soc < float64(sth&0xFF) {
		bits |= Smn
	}

	temp := float64(int16(d.regs[RegTemp])) / 256
	tth := d.regs[RegTAlrtTh]
	if temp > float64(int8(tth>>8)) {
		bits |= Tmx
	}
	if temp < float64(int8(tth)) {
		bits |= Tmn
	}

	// IAlrtTh LSB (400 uV/R) is 256 Current LSBs (1.5625 uV/R).
	cur := int(int16(d.regs[RegCurrent]))
	ith := d.regs[RegIAlrtTh]
	if cur > int(int8(ith>>8))*256 {
		bits |= Imx
	}
	if cur < int(int8(ith))*256 {
		bits |= Imn
	}

	if s := d.socPercent(); s != d.lastSOC {
		d.lastSOC = s
		bits |= DSOCi
	}
	return bits
}

var _ i2c.BusCloser = (*Device)(nil)
