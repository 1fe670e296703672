package max17201_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"gaugewatch/internal/gaugesim"
	"gaugewatch/internal/max17201"
)

var fastOpts = max17201.Opts{
	Retry: max17201.RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	},
	PollInterval: time.Millisecond,
	PollTimeout:  50 * time.Millisecond,
}

func gaugeConfig() max17201.Config {
	return max17201.Config{
		CellCount:         1,
		DesignCapacity:    800,
		EmptyVoltage:      3300 * physic.MilliVolt,
		SenseResistor:     10 * physic.MilliOhm,
		ChargeTermination: 50 * physic.MilliAmpere,
		EnableAlertPin:    true,
	}
}

func thresholds() max17201.Thresholds {
	return max17201.Thresholds{
		MaxVoltage:     4200 * physic.MilliVolt,
		MinVoltage:     3100 * physic.MilliVolt,
		MaxTemperature: physic.ZeroCelsius + 50*physic.Kelvin,
		MinTemperature: physic.ZeroCelsius + 5*physic.Kelvin,
	}
}

func newDev(t *testing.T) (*max17201.Dev, *gaugesim.Device) {
	t.Helper()
	sim := gaugesim.New()
	dev, err := max17201.New(sim, &fastOpts)
	require.NoError(t, err)
	return dev, sim
}

func wrote(sim *gaugesim.Device, reg uint16) bool {
	for _, w := range sim.Writes() {
		if w.Reg == reg {
			return true
		}
	}
	return false
}

func TestConfigureLoadsModel(t *testing.T) {
	dev, sim := newDev(t)

	require.NoError(t, dev.Configure(context.Background(), gaugeConfig()))

	assert.True(t, dev.Configured())
	assert.Equal(t, uint16(1600), sim.Reg(gaugesim.RegNDesignCap))
	assert.Equal(t, uint16(1000), sim.Reg(gaugesim.RegNRSense))
	assert.Zero(t, sim.Reg(gaugesim.RegStatus)&gaugesim.POR, "POR cleared after model load")
	assert.Zero(t, sim.Reg(gaugesim.RegConfig)&(1<<2), "alerts stay off until EnableAlerts")
}

func TestConfigureRetainsLearnedParameters(t *testing.T) {
	dev, sim := newDev(t)
	sim.SetReg(gaugesim.RegStatus, 0)

	cfg := gaugeConfig()
	cfg.RetainLearnedParameters = true
	require.NoError(t, dev.Configure(context.Background(), cfg))

	assert.False(t, wrote(sim, gaugesim.RegNDesignCap))
	assert.False(t, wrote(sim, gaugesim.RegConfig2))
	assert.True(t, dev.Configured())
}

func TestConfigureRetainIgnoredAfterPowerOnReset(t *testing.T) {
	dev, sim := newDev(t)

	cfg := gaugeConfig()
	cfg.RetainLearnedParameters = true
	require.NoError(t, dev.Configure(context.Background(), cfg))

	assert.True(t, wrote(sim, gaugesim.RegNDesignCap))
}

func TestConfigureDeviceNotPresent(t *testing.T) {
	dev, sim := newDev(t)
	sim.SetAbsent(true)

	err := dev.Setup(context.Background(), gaugeConfig(), &max17201.AlertSetup{Thresholds: thresholds()})

	require.ErrorIs(t, err, max17201.ErrNotPresent)
	assert.ErrorIs(t, err, gaugesim.ErrNack)
	assert.False(t, dev.Configured())
	assert.Empty(t, sim.Writes(), "no threshold setup after failed configure")
}

func TestConfigureRetriesTransientErrors(t *testing.T) {
	dev, sim := newDev(t)
	sim.FailNext(3)

	require.NoError(t, dev.Configure(context.Background(), gaugeConfig()))
	assert.True(t, dev.Configured())
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	dev, sim := newDev(t)
	cfg := gaugeConfig()
	cfg.SenseResistor = 0

	assert.Error(t, dev.Configure(context.Background(), cfg))
	assert.Empty(t, sim.Writes())
}

func TestConfigureHonorsCancellation(t *testing.T) {
	dev, sim := newDev(t)
	sim.SetAbsent(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dev.Configure(ctx, gaugeConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, max17201.ErrNotPresent)
}

func TestAlertOrderingEnforced(t *testing.T) {
	dev, _ := newDev(t)

	assert.ErrorIs(t, dev.EnableAlerts(), max17201.ErrNotConfigured)
	assert.ErrorIs(t, dev.SetVoltageAlerts(4200*physic.MilliVolt, 3100*physic.MilliVolt), max17201.ErrNotConfigured)

	require.NoError(t, dev.Configure(context.Background(), gaugeConfig()))
	assert.ErrorIs(t, dev.EnableAlerts(), max17201.ErrNoThresholds)

	require.NoError(t, dev.SetVoltageAlerts(4200*physic.MilliVolt, 3100*physic.MilliVolt))
	assert.NoError(t, dev.EnableAlerts())
}

func TestEnableAlertsRequiresAlertPin(t *testing.T) {
	dev, _ := newDev(t)
	cfg := gaugeConfig()
	cfg.EnableAlertPin = false
	require.NoError(t, dev.Configure(context.Background(), cfg))
	require.NoError(t, dev.SetVoltageAlerts(4200*physic.MilliVolt, 3100*physic.MilliVolt))

	assert.Error(t, dev.EnableAlerts())
}

func TestSetupProgramsThresholds(t *testing.T) {
	dev, sim := newDev(t)

	err := dev.Setup(context.Background(), gaugeConfig(), &max17201.AlertSetup{
		Thresholds:  thresholds(),
		Temperature: true,
		Settle:      time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, uint16(0xD29B), sim.Reg(gaugesim.RegVAlrtTh))
	assert.Equal(t, uint16(0x3205), sim.Reg(gaugesim.RegTAlrtTh))
	assert.Equal(t, uint16(0x7F80), sim.Reg(gaugesim.RegIAlrtTh), "current comparator left disarmed")
	assert.Equal(t, uint16(0xFF00), sim.Reg(gaugesim.RegSAlrtTh), "SOC comparator left disarmed")
	cfgReg := sim.Reg(gaugesim.RegConfig)
	assert.NotZero(t, cfgReg&(1<<2), "Aen")
	assert.NotZero(t, cfgReg&(1<<9), "Ten")
}

func TestSteadyDischargeDoesNotRetriggerAlerts(t *testing.T) {
	dev, sim := newDev(t)
	var fired int
	sim.OnAlert(func() { fired++ })

	require.NoError(t, dev.Setup(context.Background(), gaugeConfig(), &max17201.AlertSetup{
		Thresholds:  thresholds(),
		Temperature: true,
	}))
	require.NoError(t, dev.ClearStatus())

	for i := 0; i < 5; i++ {
		sim.Step(time.Second)
		raw, err := dev.Status()
		require.NoError(t, err)
		assert.Zero(t, raw&gaugesim.Imn, "cycle %d", i)
		require.NoError(t, dev.ClearStatus())
	}
	assert.Zero(t, fired)
}

func TestSetCurrentAlerts(t *testing.T) {
	tests := []struct {
		name     string
		max, min physic.ElectricCurrent
		want     uint16
		wantErr  string
	}{
		{"discharge window", 500 * physic.MilliAmpere, -500 * physic.MilliAmpere, 0x0DF3, ""},
		{"max only", 500 * physic.MilliAmpere, 0, 0x0D00, ""},
		{"min below resolution", 500 * physic.MilliAmpere, 1 * physic.MilliAmpere, 0, "below resolution"},
		{"max below resolution", 10 * physic.MilliAmpere, 0, 0, "below resolution"},
		{"inverted", 0, 100 * physic.MilliAmpere, 0, "below min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, sim := newDev(t)
			require.NoError(t, dev.Configure(context.Background(), gaugeConfig()))

			err := dev.SetCurrentAlerts(tt.max, tt.min)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, uint16(0x7F80), sim.Reg(gaugesim.RegIAlrtTh), "register untouched")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sim.Reg(gaugesim.RegIAlrtTh))
		})
	}
}

func TestSetThresholdsArmsCurrentWhenGiven(t *testing.T) {
	dev, sim := newDev(t)
	require.NoError(t, dev.Configure(context.Background(), gaugeConfig()))

	th := thresholds()
	th.MaxCurrent = 500 * physic.MilliAmpere
	require.NoError(t, dev.SetThresholds(th))
	assert.Equal(t, uint16(0x0D00), sim.Reg(gaugesim.RegIAlrtTh))

	th.MinCurrent = physic.MilliAmpere
	assert.Error(t, dev.SetThresholds(th))
}

func TestConfigureSelectsThermistorsInPackConfig(t *testing.T) {
	dev, sim := newDev(t)
	cfg := gaugeConfig()
	cfg.ExternalThermistor1 = true
	require.NoError(t, dev.Configure(context.Background(), cfg))

	pack := sim.Reg(gaugesim.RegNPackCfg)
	assert.NotZero(t, pack&(1<<11), "A1En")
	assert.Zero(t, pack&(1<<12), "A2En")
	assert.NotZero(t, pack&(1<<10), "TdEn")
	assert.Zero(t, sim.Reg(gaugesim.RegConfig)&(1<<8), "Tex stays clear so the gauge measures Temp")
}

func TestSetThresholdsRejectsInvertedLimits(t *testing.T) {
	dev, _ := newDev(t)
	require.NoError(t, dev.Configure(context.Background(), gaugeConfig()))

	assert.Error(t, dev.SetVoltageAlerts(3000*physic.MilliVolt, 4000*physic.MilliVolt))
	assert.Error(t, dev.SetSOCAlerts(10, 90))
}

func TestDisableAlerts(t *testing.T) {
	dev, sim := newDev(t)
	require.NoError(t, dev.Setup(context.Background(), gaugeConfig(), &max17201.AlertSetup{Thresholds: thresholds()}))

	require.NoError(t, dev.DisableAlerts())
	assert.Zero(t, sim.Reg(gaugesim.RegConfig)&(1<<2))
	assert.Equal(t, uint16(0xFF00), sim.Reg(gaugesim.RegVAlrtTh))
	assert.ErrorIs(t, dev.EnableAlerts(), max17201.ErrNoThresholds)
}

func TestReadings(t *testing.T) {
	dev, _ := newDev(t)

	capacity, err := dev.ReportedCapacity()
	require.NoError(t, err)
	assert.InDelta(t, 500.0, capacity, 1e-9)

	full, err := dev.FullCapacity()
	require.NoError(t, err)
	assert.InDelta(t, 800.0, full, 1e-9)

	soc, err := dev.StateOfCharge()
	require.NoError(t, err)
	assert.InDelta(t, 62.5, soc, 1e-9)

	v, err := dev.CellVoltage()
	require.NoError(t, err)
	assert.Equal(t, 3750*physic.MilliVolt, v)

	i, err := dev.Current()
	require.NoError(t, err)
	assert.Equal(t, -120*physic.MilliAmpere, i)

	temp, err := dev.Temperature()
	require.NoError(t, err)
	assert.Equal(t, physic.ZeroCelsius+25500*physic.MilliKelvin, temp)
}

func TestStatusAndClear(t *testing.T) {
	dev, sim := newDev(t)
	sim.SetReg(gaugesim.RegStatus, 0)
	sim.Raise(gaugesim.Br | gaugesim.Vmn)

	raw, err := dev.Status()
	require.NoError(t, err)
	assert.Equal(t, gaugesim.Br|gaugesim.Vmn, raw)

	require.NoError(t, dev.ClearStatus())
	raw, err = dev.Status()
	require.NoError(t, err)
	assert.Zero(t, raw)
}

func TestReadErrorsAreWrapped(t *testing.T) {
	dev, sim := newDev(t)
	sim.SetAbsent(true)

	_, err := dev.StateOfCharge()
	assert.ErrorIs(t, err, gaugesim.ErrNack)
	assert.Contains(t, err.Error(), "max17201: read 0x006")
}

func TestNewRejectsNilBus(t *testing.T) {
	_, err := max17201.New(nil, nil)
	assert.Error(t, err)
}
