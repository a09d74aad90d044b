package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "foreman"

// Metrics holds the Prometheus collectors for one engine instance. Each
// instance owns a registry so tests and embedded engines never collide.
type Metrics struct {
	Registry *prometheus.Registry

	Events            *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	BudgetUtilization *prometheus.GaugeVec
	Plans             *prometheus.CounterVec
	Approvals         *prometheus.CounterVec
	Retries           *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trace",
				Name:      "events_total",
				Help:      "Total number of canonical events emitted",
			},
			[]string{"type"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tool",
				Name:      "call_duration_seconds",
				Help:      "Tool invocation latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"tool", "outcome"},
		),
		BudgetUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "budget",
				Name:      "utilization_ratio",
				Help:      "Fraction of a budget ceiling in use",
			},
			[]string{"budget", "dimension"},
		),
		Plans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "executions_total",
				Help:      "Total number of finished plan executions",
			},
			[]string{"status"},
		),
		Approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "approval",
				Name:      "resolved_total",
				Help:      "Total number of resolved approval requests",
			},
			[]string{"status"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tool",
				Name:      "retries_total",
				Help:      "Total number of tool call retries",
			},
			[]string{"tool"},
		),
	}
}

// The helpers below accept a nil receiver so components can run without metrics.

// ObserveEvent counts one emitted event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}

// ObserveToolCall records the latency of one invocation attempt.
func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
}

// SetBudgetUtilization publishes a budget ratio.
func (m *Metrics) SetBudgetUtilization(budgetID, dimension string, ratio float64) {
	if m == nil {
		return
	}
	m.BudgetUtilization.WithLabelValues(budgetID, dimension).Set(ratio)
}

// PlanFinished counts a finished plan by status.
func (m *Metrics) PlanFinished(status string) {
	if m == nil {
		return
	}
	m.Plans.WithLabelValues(status).Inc()
}

// ApprovalResolved counts a resolved approval by status.
func (m *Metrics) ApprovalResolved(status string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(status).Inc()
}

// RetryScheduled counts one retry of a tool.
func (m *Metrics) RetryScheduled(tool string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(tool).Inc()
}
