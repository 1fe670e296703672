// Package server exposes the latest gauge readings and handled alerts over
// HTTP as JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"gaugewatch/internal/alert"
	"gaugewatch/internal/logger"
	"gaugewatch/internal/telemetry"
)

// fullSOC is the state of charge at or above which an idle or charging
// battery reports "Full".
const fullSOC = 99.5

type TelemetrySource interface {
	Latest() (telemetry.Snapshot, bool)
}

type AlertSource interface {
	Recent() []alert.Record
}

// GaugeState reports whether the gauge accepted its configuration.
type GaugeState interface {
	Configured() bool
}

type BatteryResponse struct {
	Level      int                `json:"sensor.battery_level"`
	Voltage    float64            `json:"sensor.battery_voltage"`
	State      string             `json:"sensor.battery_state"`
	IsCharging bool               `json:"sensor.is_charging"`
	Telemetry  telemetry.Snapshot `json:"telemetry"`
}

type AlertsResponse struct {
	Alerts []alert.Record `json:"alerts"`
}

type HealthResponse struct {
	Status     string    `json:"status"`
	Configured bool      `json:"gauge_configured"`
	LastReport time.Time `json:"last_report,omitempty"`
}

type Server struct {
	telemetry TelemetrySource
	alerts    AlertSource
	gauge     GaugeState
}

// New returns a Server. alerts and gauge may be nil when alert handling is
// not running.
func New(t TelemetrySource, alerts AlertSource, gauge GaugeState) *Server {
	return &Server{telemetry: t, alerts: alerts, gauge: gauge}
}

// Handler returns the routes of the status endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.rootHandler)
	mux.HandleFunc("GET /alerts", s.alertsHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	return mux
}

// Run listens on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.telemetry.Latest()
	if !ok {
		http.Error(w, "no reading yet", http.StatusServiceUnavailable)
		return
	}

	resp := BatteryResponse{
		State:     batteryState(snap),
		Telemetry: snap,
	}
	if snap.SOC != nil {
		resp.Level = int(*snap.SOC)
	}
	if snap.Voltage != nil {
		resp.Voltage = *snap.Voltage
	}
	resp.IsCharging = (resp.State == "Charging")

	writeJSON(w, resp)
}

// batteryState derives the charge state from the current sign: the gauge
// reports charge current as positive.
func batteryState(s telemetry.Snapshot) string {
	charging := s.Current != nil && *s.Current > 0
	idle := s.Current != nil && *s.Current == 0
	switch {
	case s.SOC != nil && *s.SOC >= fullSOC && (charging || idle):
		return "Full"
	case charging:
		return "Charging"
	case idle:
		return "Not Charging"
	default:
		return "Discharging"
	}
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	resp := AlertsResponse{Alerts: []alert.Record{}}
	if s.alerts != nil {
		if recent := s.alerts.Recent(); recent != nil {
			resp.Alerts = recent
		}
	}
	writeJSON(w, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.gauge != nil {
		resp.Configured = s.gauge.Configured()
	}
	code := http.StatusOK
	if snap, ok := s.telemetry.Latest(); ok {
		resp.LastReport = snap.At
	} else {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, code, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(data, '\n'))
}
