package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes recorded in toolgate_tool_calls_total.
const (
	OutcomeSuccess          = "success"
	OutcomeFailure          = "failure"
	OutcomeViolation        = "violation"
	OutcomeInvalid          = "invalid_arguments"
	OutcomeDenied           = "denied"
	OutcomeConfirmRequired  = "confirmation_required"
	OutcomeApprovalRequired = "approval_required"
	OutcomeRejected         = "rejected"
	OutcomeExpired          = "expired"
	OutcomeCancelled        = "cancelled"
	OutcomeTransportError   = "transport_error"
)

// Metrics holds the gateway's collectors on a private registry so several
// gateways can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	calls      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations *prometheus.CounterVec
	approvals  *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_calls_total",
				Help: "Total number of tool calls by outcome",
			},
			[]string{"server", "tool", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_tool_duration_seconds",
				Help:    "Duration of tool executions on the backend",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
			},
			[]string{"server", "tool"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_sandbox_violations_total",
				Help: "Total number of calls refused by a backend sandbox",
			},
			[]string{"server", "tool"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_approvals_total",
				Help: "Total number of approval requests by final status",
			},
			[]string{"status"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_tool_calls_in_flight",
			Help: "Number of tool calls currently in the pipeline",
		}),
	}
	m.registry.MustRegister(m.calls, m.duration, m.violations, m.approvals, m.inFlight)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeCall(server, toolName, outcome string) {
	m.calls.WithLabelValues(server, toolName, outcome).Inc()
	if outcome == OutcomeViolation {
		m.violations.WithLabelValues(server, toolName).Inc()
	}
}

func (m *Metrics) observeDuration(server, toolName string, d time.Duration) {
	m.duration.WithLabelValues(server, toolName).Observe(d.Seconds())
}

func (m *Metrics) observeApproval(status string) {
	m.approvals.WithLabelValues(status).Inc()
}
