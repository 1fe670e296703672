package max17201

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

var (
	errAlertPinDisabled  = errors.New("max17201: alert pin disabled by configuration")
	errCurrentResolution = errors.New("max17201: current alert rounds to zero")
)

// Thresholds are the comparator limits behind the ALRT output.
type Thresholds struct {
	MaxVoltage     physic.ElectricPotential
	MinVoltage     physic.ElectricPotential
	MaxCurrent     physic.ElectricCurrent
	MinCurrent     physic.ElectricCurrent
	MaxTemperature physic.Temperature
	MinTemperature physic.Temperature

	// Both current limits zero leaves the current comparator disarmed.

	// MaxSOC and MinSOC are percentages. Both zero leaves the SOC
	// comparator disarmed.
	MaxSOC float64
	MinSOC float64
}

// SetVoltageAlerts programs VAlrtTh.
func (d *Dev) SetVoltageAlerts(max, min physic.ElectricPotential) error {
	if max < min {
		return fmt.Errorf("max17201: voltage alert max %s below min %s", max, min)
	}
	return d.setThreshold(regVAlrtTh, packBytes(voltageAlertByte(max), voltageAlertByte(min)))
}

// SetTemperatureAlerts programs TAlrtTh.
func (d *Dev) SetTemperatureAlerts(max, min physic.Temperature) error {
	if max < min {
		return fmt.Errorf("max17201: temperature alert max %s below min %s", max, min)
	}
	return d.setThreshold(regTAlrtTh, packBytes(temperatureAlertByte(max), temperatureAlertByte(min)))
}

// SetCurrentAlerts programs IAlrtTh. Resolution is 400 uV over the sense
// resistor; a nonzero limit finer than that is rejected.
func (d *Dev) SetCurrentAlerts(max, min physic.ElectricCurrent) error {
	if max < min {
		return fmt.Errorf("max17201: current alert max %s below min %s", max, min)
	}
	d.mu.Lock()
	rs := d.rsense
	d.mu.Unlock()
	hi, lo := currentAlertByte(max, rs), currentAlertByte(min, rs)
	for _, l := range [...]struct {
		lim physic.ElectricCurrent
		b   byte
	}{{max, hi}, {min, lo}} {
		if l.lim != 0 && l.b == 0 {
			return fmt.Errorf("max17201: current alert %s below resolution %s: %w", l.lim, currentAlertLSB(rs), errCurrentResolution)
		}
	}
	return d.setThreshold(regIAlrtTh, packBytes(hi, lo))
}

// SetSOCAlerts programs SAlrtTh in percent.
func (d *Dev) SetSOCAlerts(max, min float64) error {
	if max < min {
		return fmt.Errorf("max17201: SOC alert max %.1f%% below min %.1f%%", max, min)
	}
	return d.setThreshold(regSAlrtTh, packBytes(socAlertByte(max), socAlertByte(min)))
}

// SetThresholds programs every comparator from t.
func (d *Dev) SetThresholds(t Thresholds) error {
	if err := d.SetVoltageAlerts(t.MaxVoltage, t.MinVoltage); err != nil {
		return err
	}
	if t.MaxCurrent == 0 && t.MinCurrent == 0 {
		if err := d.setThreshold(regIAlrtTh, iAlrtDisabled); err != nil {
			return err
		}
	} else if err := d.SetCurrentAlerts(t.MaxCurrent, t.MinCurrent); err != nil {
		return err
	}
	if err := d.SetTemperatureAlerts(t.MaxTemperature, t.MinTemperature); err != nil {
		return err
	}
	if t.MaxSOC == 0 && t.MinSOC == 0 {
		return d.setThreshold(regSAlrtTh, sAlrtDisabled)
	}
	return d.SetSOCAlerts(t.MaxSOC, t.MinSOC)
}

func (d *Dev) setThreshold(reg, val uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	if err := d.writeWord(reg, val); err != nil {
		return err
	}
	d.thresholds = true
	return nil
}

// EnableAlerts sets Config.Aen so threshold crossings assert ALRT.
// Thresholds must be programmed first.
func (d *Dev) EnableAlerts() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	if !d.thresholds {
		return ErrNoThresholds
	}
	if !d.alertPin {
		return errAlertPinDisabled
	}
	return d.modifyWord(regConfig, configAen, 0)
}

// EnableTemperatureAlerts turns on the temperature channel so TAlrtTh is
// evaluated.
func (d *Dev) EnableTemperatureAlerts() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	return d.modifyWord(regConfig, configTen, 0)
}

// DisableAlerts clears Config.Aen and disarms every comparator.
func (d *Dev) DisableAlerts() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.modifyWord(regConfig, 0, configAen); err != nil {
		return err
	}
	for _, w := range [...]struct{ reg, val uint16 }{
		{regVAlrtTh, vAlrtDisabled},
		{regTAlrtTh, tAlrtDisabled},
		{regSAlrtTh, sAlrtDisabled},
		{regIAlrtTh, iAlrtDisabled},
	} {
		if err := d.writeWord(w.reg, w.val); err != nil {
			return err
		}
	}
	d.thresholds = false
	return nil
}

// Status returns the raw Status register in device bit layout.
func (d *Dev) Status() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readWord(regStatus)
}

// ClearStatus writes 0 to Status so the next alert latches fresh flags.
func (d *Dev) ClearStatus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeWord(regStatus, 0)
}

// AlertSetup describes what Setup arms after Configure.
type AlertSetup struct {
	Thresholds  Thresholds
	Temperature bool
	Settle      time.Duration
}

// Setup runs Configure, then when alerts is non-nil programs thresholds,
// enables alerts and waits for the settle delay. Threshold setup never runs
// after a failed Configure.
func (d *Dev) Setup(ctx context.Context, cfg Config, alerts *AlertSetup) error {
	if err := d.Configure(ctx, cfg); err != nil {
		return err
	}
	if alerts == nil {
		return nil
	}
	if err := d.SetThresholds(alerts.Thresholds); err != nil {
		return err
	}
	if err := d.EnableAlerts(); err != nil {
		return err
	}
	if alerts.Temperature {
		if err := d.EnableTemperatureAlerts(); err != nil {
			return err
		}
	}
	return sleep(ctx, alerts.Settle)
}
