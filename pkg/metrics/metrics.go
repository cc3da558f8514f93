package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission metrics
var (
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_admission_decisions_total",
			Help: "Admission decisions by hook and outcome",
		},
		[]string{"hook", "outcome"},
	)

	PingsAnswered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_pings_total",
			Help: "Server-list pings by whether the maintenance response was served",
		},
		[]string{"overridden"},
	)
)

// State metrics
var (
	GlobalMaintenance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_global_enabled",
			Help: "1 while global maintenance is enabled",
		},
	)

	BackendsUnderMaintenance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_backends_current",
			Help: "Number of backends under single-backend maintenance",
		},
	)

	WhitelistSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_whitelist_entries",
			Help: "Number of whitelisted identities",
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_transitions_total",
			Help: "Maintenance state transitions by scope and new state",
		},
		[]string{"scope", "state"},
	)
)

// Dispatch metrics
var (
	SessionsKicked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_sessions_kicked_total",
			Help: "Sessions disconnected because of maintenance",
		},
		[]string{"scope"},
	)

	Redirects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_redirects_total",
			Help: "Fallback redirects by result",
		},
		[]string{"result"},
	)

	RedirectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maintenance_redirect_duration_seconds",
			Help:    "Time until a fallback connect resolved",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Scheduler metrics
var (
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maintenance_tick_duration_seconds",
			Help:    "Duration of one scheduled tick",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	TicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_ticks_skipped_total",
			Help: "Ticks dropped because the previous tick was still running",
		},
	)

	TimerRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maintenance_timer_running",
			Help: "1 while a countdown of the given kind is running",
		},
		[]string{"kind"},
	)
)

// Integration metrics
var (
	SharedStateSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_shared_state_syncs_total",
			Help: "Shared state store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	HostRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_host_requests_total",
			Help: "Requests to the proxy session control API",
		},
		[]string{"endpoint", "status"},
	)

	HostRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_host_request_duration_seconds",
			Help:    "Duration of requests to the proxy session control API",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"endpoint"},
	)

	HostCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_host_circuit_state",
			Help: "Host client circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_http_requests_total",
			Help: "Requests served by the admin and hook APIs",
		},
		[]string{"api", "code"},
	)
)

// BoolLabel renders a bool as a metric label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
