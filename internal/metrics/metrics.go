package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultListenAddress is where the metrics endpoint is served when not configured.
	DefaultListenAddress = "0.0.0.0:9090"
)

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcmgmt_commands_total",
			Help: "A counter metric of IPMI commands submitted to the controller.",
		},
		[]string{"netfn", "cmd", "result"},
	)

	CommandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmcmgmt_command_latency_seconds",
			Help:    "IPMI command round trip latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"netfn"},
	)

	HealthState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmcmgmt_health_state",
			Help: "The controller health state set by the last readiness probe (0 not-ready, 1 ok, 2 soft-fail, 3 hard-fail, 4 update-in-progress).",
		},
	)

	DiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcmgmt_diagnostics_total",
			Help: "A counter metric of diagnostic codes raised.",
		},
		[]string{"code"},
	)

	StepRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bmcmgmt_boot_step_duration_seconds",
			Help: "A summary metric to measure the total time spent in completing each boot step.",
		},
		[]string{"step", "state"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcmgmt_api_requests_total",
			Help: "A counter metric of API requests served.",
		},
		[]string{"route", "code"},
	)
)

// ListenAndServe exposes prometheus metrics on addr in a goroutine.
func ListenAndServe(addr string) {
	if addr == "" {
		addr = DefaultListenAddress
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("metrics endpoint stopped", "addr", addr, "error", err)
		}
	}()
}

// ObserveStep records the duration of a boot step.
func ObserveStep(step, state string, start time.Time) {
	StepRunTimeSummary.With(
		prometheus.Labels{"step": step, "state": state},
	).Observe(time.Since(start).Seconds())
}
