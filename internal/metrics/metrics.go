package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the instrumentation surface for the agent fleet and the
// state layer. Labels are plain strings to keep this package free of
// domain imports.
type Metrics struct {
	// Transitions per agent and edge.
	StateTransitions *prometheus.CounterVec

	// Current aggregate health per agent (0=unknown, 1=healthy,
	// 2=degraded, 3=unhealthy).
	HealthState *prometheus.GaugeVec

	// Seconds since the agent last started.
	Uptime *prometheus.GaugeVec

	// Store operations by op and outcome.
	StoreOps *prometheus.CounterVec

	// Lock acquisitions by outcome (acquired, timeout, error).
	LockAcquisitions *prometheus.CounterVec

	// Backpressure on the audit trail buffer.
	AuditBufferFill prometheus.Gauge

	// Errors by type (init_failed, task_failed, store, upstream).
	ErrorTotal *prometheus.CounterVec
}

// New builds the metric set on the given registerer. A nil registerer
// gets a detached local registry, so tests and library callers can
// pass nil without thinking.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		StateTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "entropy_agent_state_transitions_total",
			Help: "Total lifecycle state transitions per agent.",
		}, []string{"agent", "from", "to"}),

		HealthState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "entropy_agent_health_state",
			Help: "Aggregate health per agent (0=unknown, 1=healthy, 2=degraded, 3=unhealthy).",
		}, []string{"agent"}),

		Uptime: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "entropy_agent_uptime_seconds",
			Help: "Seconds since the agent last entered running.",
		}, []string{"agent"}),

		StoreOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "entropy_store_operations_total",
			Help: "State store operations by type and outcome.",
		}, []string{"op", "outcome"}),

		LockAcquisitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "entropy_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by outcome.",
		}, []string{"outcome"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "entropy_audit_buffer_utilization",
			Help: "Current number of events queued in the audit buffer.",
		}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "entropy_errors_total",
			Help: "Total errors by type.",
		}, []string{"type"}),
	}
}

// SetHealth maps a health verdict string onto the gauge scale.
func (m *Metrics) SetHealth(agent, health string) {
	var v float64
	switch health {
	case "healthy":
		v = 1
	case "degraded":
		v = 2
	case "unhealthy":
		v = 3
	}
	m.HealthState.WithLabelValues(agent).Set(v)
}

// ObserveStoreOp records one store operation outcome.
func (m *Metrics) ObserveStoreOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreOps.WithLabelValues(op, outcome).Inc()
}
