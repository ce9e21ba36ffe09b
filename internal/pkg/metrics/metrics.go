package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every flightgate collector. It is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// SessionsTotal counts finished sessions by outcome:
	// closed, readiness_timeout, failed.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightgate_sessions_total",
			Help: "Total number of flight sessions by outcome.",
		},
		[]string{"outcome"},
	)

	// ReadinessWaitSeconds observes how long the readiness gate blocked.
	ReadinessWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightgate_readiness_wait_seconds",
			Help:    "Time spent waiting for required capabilities.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
		},
		[]string{"result"}, // satisfied / timeout / cancelled
	)

	// ParameterAcksTotal counts parameter changes by result: acknowledged, timeout, error.
	ParameterAcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightgate_parameter_acks_total",
			Help: "Parameter changes by acknowledgement result.",
		},
		[]string{"param", "result"},
	)

	TelemetrySamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flightgate_telemetry_samples_total",
			Help: "Telemetry samples delivered to observers.",
		},
	)

	// CleanupsTotal must advance by exactly one per session.
	CleanupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flightgate_cleanups_total",
			Help: "Telemetry stop and connection release brackets executed.",
		},
	)

	// SessionState is 1 for the state the current session is in.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flightgate_session_state",
			Help: "Current state of the flight session (1 = active state).",
		},
		[]string{"state"},
	)
)

func init() {
	Registry.MustRegister(
		SessionsTotal,
		ReadinessWaitSeconds,
		ParameterAcksTotal,
		TelemetrySamplesTotal,
		CleanupsTotal,
		SessionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// SetState marks state as the only active session state.
func SetState(state string) {
	SessionState.Reset()
	SessionState.WithLabelValues(state).Set(1)
}
