package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"gaugewatch/internal/alert"
	"gaugewatch/internal/config"
	"gaugewatch/internal/gaugesim"
	"gaugewatch/internal/i2cbus"
	"gaugewatch/internal/journal"
	"gaugewatch/internal/logger"
	"gaugewatch/internal/max17201"
	"gaugewatch/internal/server"
	"gaugewatch/internal/telemetry"
)

// hardware is what main needs from the board, real or simulated.
type hardware struct {
	bus      i2c.BusCloser
	alertPin gpio.PinIn
	led      gpio.PinOut
	sim      *gaugesim.Device
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (default gaugewatch.yml if present)")
	busName := flag.String("bus", "", "I2C bus name (overrides config)")
	alertPin := flag.String("alert-pin", "", "GPIO wired to ALRT (overrides config)")
	ledPin := flag.String("led-pin", "", "status LED GPIO (overrides config)")
	port := flag.Int("port", -1, "HTTP port, 0 disables (overrides config)")
	journalPath := flag.String("journal", "", "append events to this file (overrides config)")
	simulate := flag.Bool("simulate", false, "run against a simulated gauge")
	quiet := flag.Bool("quiet", false, "less output")
	flag.Parse()

	logger.Quiet = *quiet

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *busName != "" {
		cfg.Bus.Name = *busName
	}
	if *alertPin != "" {
		cfg.Bus.AlertPin = *alertPin
	}
	if *ledPin != "" {
		cfg.Bus.LEDPin = *ledPin
	}
	if *port >= 0 {
		cfg.HTTP.Port = *port
	}
	if *journalPath != "" {
		cfg.Report.Journal = *journalPath
	}
	if *simulate {
		cfg.Simulate = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = "gaugewatch.yml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Info("Starting gaugewatch...")

	hw, err := openHardware(cfg)
	if err != nil {
		return err
	}
	defer hw.bus.Close()

	bus := i2cbus.New(hw.bus)
	dev, err := max17201.New(bus, nil)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if hw.sim != nil {
		g.Go(func() error {
			hw.sim.Run(ctx, time.Second, 60)
			return nil
		})
	}

	var (
		sinks      []telemetry.Sink
		alertSinks []alert.Sink
	)
	if cfg.Report.Journal != "" {
		j, err := journal.Open(cfg.Report.Journal)
		if err != nil {
			return err
		}
		defer j.Close()
		logger.Info("journal %s session %s", cfg.Report.Journal, j.Session())
		sinks = append(sinks, j)
		alertSinks = append(alertSinks, j)
	}

	if err := sleep(ctx, cfg.Gauge.StartupDelay); err != nil {
		return err
	}

	var (
		history *alert.History
		d       *alert.Dispatcher
	)
	if err := dev.Setup(ctx, cfg.DriverConfig(), cfg.AlertSetup()); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		logger.Error("Error with gauge! %v", err)
	} else {
		logger.Info("Gauge configured")
		if cfg.AlertSetup() != nil {
			history = alert.NewHistory(cfg.Alerts.History)
			svc := alert.NewService(dev, os.Stdout, append([]alert.Sink{history}, alertSinks...)...)
			d = alert.NewDispatcher(cfg.Alerts.QueueCapacity, svc.Handle)
			d.Start(ctx)
			w := alert.NewWatcher(hw.alertPin, d.Post)
			g.Go(func() error {
				if err := w.Run(ctx); err != nil {
					logger.Error("%v, alerts will not be handled", err)
				}
				return nil
			})
		}
	}

	loop := telemetry.NewLoop(dev, hw.led, os.Stdout, cfg.Report.Period, sinks...)
	g.Go(func() error { return loop.Run(ctx) })

	if cfg.HTTP.Port > 0 {
		var alerts server.AlertSource
		if history != nil {
			alerts = history
		}
		srv := server.New(loop, alerts, dev)
		g.Go(func() error { return srv.Run(ctx, cfg.HTTP.Port) })

		if cfg.HTTP.Advertise {
			adv, err := server.Advertise("", cfg.HTTP.Port, "", "path=/", fmt.Sprintf("period=%s", cfg.Report.Period))
			if err != nil {
				logger.Error("%v", err)
			} else {
				defer adv.Shutdown()
			}
		}
	}

	err = g.Wait()
	// Handle may still be on the bus; the deferred closes must wait for it.
	if d != nil {
		<-d.Stopped()
	}
	return err
}

func openHardware(cfg *config.Config) (*hardware, error) {
	if cfg.Simulate {
		sim := gaugesim.New()
		pin := &gpiotest.Pin{N: "ALRT", EdgesChan: make(chan gpio.Level, alert.DefaultQueueCapacity)}
		sim.OnAlert(func() {
			select {
			case pin.EdgesChan <- gpio.Low:
			default:
			}
		})
		logger.Info("Simulated gauge on %s", sim)
		return &hardware{bus: sim, alertPin: pin, led: &gpiotest.Pin{N: "LED"}, sim: sim}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(cfg.Bus.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C: %w", err)
	}
	if err := bus.SetSpeed(cfg.Bus.BusFrequency()); err != nil {
		logger.Error("I2C speed %s: %v", cfg.Bus.BusFrequency(), err)
	}

	hw := &hardware{bus: bus}
	if p := gpioreg.ByName(cfg.Bus.AlertPin); p != nil {
		hw.alertPin = p
	} else if cfg.Alerts.EnableAlertPin {
		bus.Close()
		return nil, fmt.Errorf("alert pin %q not found", cfg.Bus.AlertPin)
	}
	if cfg.Bus.LEDPin != "" {
		if p := gpioreg.ByName(cfg.Bus.LEDPin); p != nil {
			hw.led = p
		} else {
			logger.Error("LED pin %q not found, continuing without it", cfg.Bus.LEDPin)
		}
	}
	logger.Info("Hardware initialized: %s, MAX17201 (Addr: 0x%X/0x%X)", bus, max17201.Addr, max17201.NVAddr)
	return hw, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
