// Package max17201 drives the Maxim MAX17201 single-cell fuel gauge over
// periph's I2C interface.
//
// Typical use is Setup once at startup (Configure, then alert thresholds),
// then periodic reads. All methods are safe for concurrent use.
package max17201

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

var (
	// ErrNotPresent means the gauge never acknowledged the probe.
	ErrNotPresent = errors.New("max17201: device not present")
	// ErrNotConfigured is returned by alert operations before Configure
	// succeeded.
	ErrNotConfigured = errors.New("max17201: not configured")
	// ErrNoThresholds is returned by EnableAlerts before any threshold was
	// programmed.
	ErrNoThresholds = errors.New("max17201: no alert thresholds set")
	// ErrTimeout means the gauge did not finish an internal operation in
	// time.
	ErrTimeout = errors.New("max17201: timeout")
)

// Opts tunes the driver.
type Opts struct {
	Addr          uint16
	NVAddr        uint16
	SenseResistor physic.ElectricResistance // used until Configure sets it
	Retry         RetryConfig
	PollInterval  time.Duration
	PollTimeout   time.Duration
}

// DefaultOpts matches the MAX17201 evaluation kit.
var DefaultOpts = Opts{
	Addr:          Addr,
	NVAddr:        NVAddr,
	SenseResistor: 10 * physic.MilliOhm,
	Retry: RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	},
	PollInterval: 10 * time.Millisecond,
	PollTimeout:  time.Second,
}

// Config is the one-time gauge setup.
type Config struct {
	CellCount         int
	DesignCapacity    float64 // mAh
	EmptyVoltage      physic.ElectricPotential
	SenseResistor     physic.ElectricResistance
	ChargeTermination physic.ElectricCurrent

	// RetainLearnedParameters keeps the learned cell model when the gauge
	// stayed powered since the last configuration (POR flag clear).
	RetainLearnedParameters bool

	ExternalThermistor1 bool
	ExternalThermistor2 bool

	// EnableAlertPin arms battery insertion/removal alerts and allows
	// EnableAlerts to drive the ALRT output. When false, the output stays
	// idle.
	EnableAlertPin bool
}

func (c *Config) validate() error {
	if c.CellCount < 1 || c.CellCount > 15 {
		return fmt.Errorf("max17201: cell count %d out of range", c.CellCount)
	}
	if c.DesignCapacity <= 0 {
		return errors.New("max17201: design capacity must be positive")
	}
	if c.SenseResistor <= 0 {
		return errors.New("max17201: sense resistor must be positive")
	}
	if c.EmptyVoltage <= 0 {
		return errors.New("max17201: empty voltage must be positive")
	}
	return nil
}

// Dev is a handle to a MAX17201.
type Dev struct {
	mu   sync.Mutex
	main *i2c.Dev
	nv   *i2c.Dev
	opts Opts

	rsense     physic.ElectricResistance
	configured bool
	alertPin   bool
	thresholds bool
}

// New returns a handle on bus. It does not talk to the device.
func New(bus i2c.Bus, opts *Opts) (*Dev, error) {
	if bus == nil {
		return nil, errors.New("max17201: nil bus")
	}
	o := DefaultOpts
	if opts != nil {
		o = *opts
	}
	if o.Addr == 0 {
		o.Addr = Addr
	}
	if o.NVAddr == 0 {
		o.NVAddr = NVAddr
	}
	if o.SenseResistor == 0 {
		o.SenseResistor = DefaultOpts.SenseResistor
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultOpts.Retry
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultOpts.PollInterval
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultOpts.PollTimeout
	}
	return &Dev{
		main:   &i2c.Dev{Addr: o.Addr, Bus: bus},
		nv:     &i2c.Dev{Addr: o.NVAddr, Bus: bus},
		opts:   o,
		rsense: o.SenseResistor,
	}, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("MAX17201{%s}", d.main)
}

func (d *Dev) dev(reg uint16) *i2c.Dev {
	if reg > 0xFF {
		return d.nv
	}
	return d.main
}

// Configure applies cfg. On error the caller must not go on to alert setup.
//
// Unless RetainLearnedParameters applies, the cell model is rewritten and
// the gauge restarts its estimation, which discards learned history.
func (d *Dev) Configure(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.configured = false
	d.thresholds = false
	if err := d.probe(ctx); err != nil {
		return err
	}
	d.rsense = cfg.SenseResistor

	status, err := d.readRetry(ctx, regStatus)
	if err != nil {
		return err
	}
	if !cfg.RetainLearnedParameters || status&StatusPOR != 0 {
		if err := d.loadModel(ctx, cfg); err != nil {
			return err
		}
	}

	// Temp stays gauge-measured; thermistors are selected in nPackCfg.
	set, clear := uint16(0), configTex|configAen|configBer|configBei
	if cfg.EnableAlertPin {
		set, clear = set|configBer|configBei, clear&^(configBer|configBei)
	}
	if err := d.do(ctx, func() error { return d.modifyWord(regConfig, set, clear) }); err != nil {
		return err
	}
	d.alertPin = cfg.EnableAlertPin
	d.configured = true
	return nil
}

// Configured reports whether Configure has succeeded.
func (d *Dev) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

func (d *Dev) probe(ctx context.Context) error {
	if _, err := d.readRetry(ctx, regDevName); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNotPresent, err)
	}
	return nil
}

// loadModel writes the EZ model into shadow RAM and restarts the gauge.
func (d *Dev) loadModel(ctx context.Context, cfg Config) error {
	if err := d.waitClear(ctx, regFStat, fstatDNR); err != nil {
		return err
	}

	packCfg := uint16(cfg.CellCount) & packCfgCellsMask
	packCfg |= packCfgTdEn
	if cfg.ExternalThermistor1 {
		packCfg |= packCfgA1En
	}
	if cfg.ExternalThermistor2 {
		packCfg |= packCfgA2En
	}
	writes := []struct {
		reg, val uint16
	}{
		{regNDesignCap, capacityToRaw(cfg.DesignCapacity, cfg.SenseResistor)},
		{regNIChgTerm, uint16(currentToRaw(cfg.ChargeTermination, cfg.SenseResistor))},
		{regNVEmpty, vEmptyToRaw(cfg.EmptyVoltage)},
		{regNPackCfg, packCfg},
		{regNRSense, rsenseToRaw(cfg.SenseResistor)},
	}
	for _, w := range writes {
		if err := d.do(ctx, func() error { return d.writeWord(w.reg, w.val) }); err != nil {
			return err
		}
	}

	if err := d.do(ctx, func() error { return d.modifyWord(regConfig2, config2PORCmd, 0) }); err != nil {
		return err
	}
	if err := d.waitClear(ctx, regConfig2, config2PORCmd); err != nil {
		return err
	}
	return d.do(ctx, func() error { return d.modifyWord(regStatus, 0, StatusPOR) })
}

func (d *Dev) do(ctx context.Context, fn func() error) error {
	return retry(ctx, d.opts.Retry, fn)
}

func (d *Dev) readRetry(ctx context.Context, reg uint16) (uint16, error) {
	var v uint16
	err := d.do(ctx, func() error {
		var err error
		v, err = d.readWord(reg)
		return err
	})
	return v, err
}

// waitClear polls reg until every bit in mask reads 0.
func (d *Dev) waitClear(ctx context.Context, reg, mask uint16) error {
	deadline := time.Now().Add(d.opts.PollTimeout)
	for {
		v, err := d.readRetry(ctx, reg)
		if err != nil {
			return err
		}
		if v&mask == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("max17201: waiting on 0x%03X&0x%04X: %w", reg, mask, ErrTimeout)
		}
		if err := sleep(ctx, d.opts.PollInterval); err != nil {
			return err
		}
	}
}

// ReportedCapacity returns RepCap in mAh.
func (d *Dev) ReportedCapacity() (float64, error) {
	return d.capacity(regRepCap)
}

// FullCapacity returns FullCapRep in mAh.
func (d *Dev) FullCapacity() (float64, error) {
	return d.capacity(regFullCapRep)
}

func (d *Dev) capacity(reg uint16) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readWord(reg)
	if err != nil {
		return 0, err
	}
	return rawToCapacity(raw, d.rsense), nil
}

// StateOfCharge returns RepSOC in percent.
func (d *Dev) StateOfCharge() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readWord(regRepSOC)
	if err != nil {
		return 0, err
	}
	return float64(raw) / 256, nil
}

// CellVoltage returns VCell.
func (d *Dev) CellVoltage() (physic.ElectricPotential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readWord(regVCell)
	if err != nil {
		return 0, err
	}
	return physic.ElectricPotential(raw) * vcellLSBNanoVolt * physic.NanoVolt, nil
}

// Current returns the instantaneous cell current. Negative is discharge.
func (d *Dev) Current() (physic.ElectricCurrent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readSigned(regCurrent)
	if err != nil {
		return 0, err
	}
	return rawToCurrent(raw, d.rsense), nil
}

// Temperature returns the die or thermistor temperature.
func (d *Dev) Temperature() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readSigned(regTemp)
	if err != nil {
		return 0, err
	}
	return physic.ZeroCelsius + physic.Temperature(raw)*physic.Kelvin/256, nil
}

// DeviceName returns the DevName register.
func (d *Dev) DeviceName() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readWord(regDevName)
}
