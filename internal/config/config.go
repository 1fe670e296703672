// Package config loads the gaugewatch YAML configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"gaugewatch/internal/max17201"
)

// Config is the whole runtime configuration.
type Config struct {
	Bus    BusConfig    `yaml:"bus"`
	Gauge  GaugeConfig  `yaml:"gauge"`
	Alerts AlertConfig  `yaml:"alerts"`
	Report ReportConfig `yaml:"report"`
	HTTP   HTTPConfig   `yaml:"http"`

	// Simulate runs against an emulated gauge instead of hardware.
	Simulate bool `yaml:"simulate"`
}

// BusConfig selects the I2C bus and GPIO lines.
type BusConfig struct {
	Name         string  `yaml:"name"` // i2creg name, empty for the first bus
	FrequencyKHz float64 `yaml:"frequencyKHz"`
	AlertPin     string  `yaml:"alertPin"`
	LEDPin       string  `yaml:"ledPin"`
}

// GaugeConfig is the one-time gauge setup.
type GaugeConfig struct {
	CellCount               int           `yaml:"cellCount"`
	DesignCapacity          float64       `yaml:"designCapacity"`    // mAh
	EmptyVoltage            float64       `yaml:"emptyVoltage"`      // V
	SenseResistor           float64       `yaml:"senseResistor"`     // mOhm
	ChargeTermination       float64       `yaml:"chargeTermination"` // mA
	RetainLearnedParameters bool          `yaml:"retainLearnedParameters"`
	ExternalThermistor1     bool          `yaml:"externalThermistor1"`
	ExternalThermistor2     bool          `yaml:"externalThermistor2"`
	StartupDelay            time.Duration `yaml:"startupDelay"`
}

// AlertConfig holds the comparator thresholds and alert plumbing.
type AlertConfig struct {
	EnableAlertPin bool    `yaml:"enableAlertPin"`
	MaxVoltage     float64 `yaml:"maxVoltage"`     // V
	MinVoltage     float64 `yaml:"minVoltage"`     // V
	MaxCurrent     float64 `yaml:"maxCurrent"`     // mA, 0 with MinCurrent 0 disarms
	MinCurrent     float64 `yaml:"minCurrent"`     // mA
	MaxTemperature float64 `yaml:"maxTemperature"` // C
	MinTemperature float64 `yaml:"minTemperature"` // C
	MaxSOC         float64 `yaml:"maxSOC"`         // %, 0 with MinSOC 0 disarms
	MinSOC         float64 `yaml:"minSOC"`         // %

	Temperature   bool          `yaml:"temperature"` // enable the temperature channel alerts
	Settle        time.Duration `yaml:"settle"`
	QueueCapacity int           `yaml:"queueCapacity"`
	History       int           `yaml:"history"`
}

// ReportConfig controls the telemetry loop and the journal.
type ReportConfig struct {
	Period  time.Duration `yaml:"period"`
	Journal string        `yaml:"journal"` // empty disables the journal
}

// HTTPConfig controls the status endpoint.
type HTTPConfig struct {
	Port      int  `yaml:"port"` // 0 disables the server
	Advertise bool `yaml:"advertise"`
}

// Default returns the configuration of the reference board: a single cell
// of 800 mAh, 10 mOhm sense resistor, alerts on the ALRT line.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			FrequencyKHz: 400,
			AlertPin:     "GPIO17",
			LEDPin:       "GPIO27",
		},
		Gauge: GaugeConfig{
			CellCount:         1,
			DesignCapacity:    800,
			EmptyVoltage:      3.3,
			SenseResistor:     10,
			ChargeTermination: 50,
			StartupDelay:      2 * time.Second,
		},
		Alerts: AlertConfig{
			EnableAlertPin: true,
			MaxVoltage:     4.2,
			MinVoltage:     3.1,
			MaxTemperature: 50,
			MinTemperature: 5,
			Temperature:    true,
			Settle:         250 * time.Millisecond,
			QueueCapacity:  32,
			History:        64,
		},
		Report: ReportConfig{
			Period: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Port: 3000,
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults restores values a file explicitly zeroed but that have no
// meaningful zero.
func applyDefaults(c *Config) {
	d := Default()
	if c.Bus.FrequencyKHz <= 0 {
		c.Bus.FrequencyKHz = d.Bus.FrequencyKHz
	}
	if c.Gauge.CellCount == 0 {
		c.Gauge.CellCount = d.Gauge.CellCount
	}
	if c.Report.Period <= 0 {
		c.Report.Period = d.Report.Period
	}
	if c.Alerts.QueueCapacity <= 0 {
		c.Alerts.QueueCapacity = d.Alerts.QueueCapacity
	}
	if c.Alerts.History <= 0 {
		c.Alerts.History = d.Alerts.History
	}
}

// Validate checks ranges and min/max ordering.
func (c *Config) Validate() error {
	var errs []error
	g := c.Gauge
	if g.DesignCapacity <= 0 {
		errs = append(errs, errors.New("gauge.designCapacity must be positive"))
	}
	if g.SenseResistor <= 0 {
		errs = append(errs, errors.New("gauge.senseResistor must be positive"))
	}
	if g.EmptyVoltage <= 0 {
		errs = append(errs, errors.New("gauge.emptyVoltage must be positive"))
	}
	if g.CellCount < 1 || g.CellCount > 15 {
		errs = append(errs, fmt.Errorf("gauge.cellCount %d out of range 1..15", g.CellCount))
	}
	a := c.Alerts
	pairs := []struct {
		name     string
		max, min float64
	}{
		{"voltage", a.MaxVoltage, a.MinVoltage},
		{"current", a.MaxCurrent, a.MinCurrent},
		{"temperature", a.MaxTemperature, a.MinTemperature},
		{"soc", a.MaxSOC, a.MinSOC},
	}
	for _, p := range pairs {
		if p.max < p.min {
			errs = append(errs, fmt.Errorf("alerts: max %s %g below min %g", p.name, p.max, p.min))
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BusFrequency returns the configured I2C clock.
func (b BusConfig) BusFrequency() physic.Frequency {
	return physic.Frequency(math.Round(b.FrequencyKHz * float64(physic.KiloHertz)))
}

// DriverConfig converts to the driver's Configure argument.
func (c *Config) DriverConfig() max17201.Config {
	g := c.Gauge
	return max17201.Config{
		CellCount:               g.CellCount,
		DesignCapacity:          g.DesignCapacity,
		EmptyVoltage:            volts(g.EmptyVoltage),
		SenseResistor:           physic.ElectricResistance(math.Round(g.SenseResistor * float64(physic.MilliOhm))),
		ChargeTermination:       milliamps(g.ChargeTermination),
		RetainLearnedParameters: g.RetainLearnedParameters,
		ExternalThermistor1:     g.ExternalThermistor1,
		ExternalThermistor2:     g.ExternalThermistor2,
		EnableAlertPin:          c.Alerts.EnableAlertPin,
	}
}

// AlertSetup returns what to arm after Configure, or nil when the alert
// pin is disabled.
func (c *Config) AlertSetup() *max17201.AlertSetup {
	a := c.Alerts
	if !a.EnableAlertPin {
		return nil
	}
	return &max17201.AlertSetup{
		Thresholds: max17201.Thresholds{
			MaxVoltage:     volts(a.MaxVoltage),
			MinVoltage:     volts(a.MinVoltage),
			MaxCurrent:     milliamps(a.MaxCurrent),
			MinCurrent:     milliamps(a.MinCurrent),
			MaxTemperature: celsius(a.MaxTemperature),
			MinTemperature: celsius(a.MinTemperature),
			MaxSOC:         a.MaxSOC,
			MinSOC:         a.MinSOC,
		},
		Temperature: a.Temperature,
		Settle:      a.Settle,
	}
}

func volts(v float64) physic.ElectricPotential {
	return physic.ElectricPotential(math.Round(v * float64(physic.Volt)))
}

func milliamps(i float64) physic.ElectricCurrent {
	return physic.ElectricCurrent(math.Round(i * float64(physic.MilliAmpere)))
}

func celsius(t float64) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(math.Round(t*float64(physic.Kelvin)))
}
