package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fixline"

// Metrics holds the orchestrator's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	alerts            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	planAttempts      *prometheus.CounterVec
	approvals         *prometheus.CounterVec
	callbacksRejected *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionSeconds  *prometheus.HistogramVec
	escalations       prometheus.Counter
	active            *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total", Help: "Alerts received by intake outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total", Help: "Transaction state transitions.",
		}, []string{"from", "to"}),
		planAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "plan_attempts_total", Help: "Planner attempts by outcome.",
		}, []string{"outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approval_decisions_total", Help: "Approval decisions by outcome.",
		}, []string{"decision"}),
		callbacksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "callbacks_rejected_total", Help: "Approval callbacks dropped before processing.",
		}, []string{"reason"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total", Help: "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		executionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "execution_duration_seconds", Help: "Tool apply latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tool"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total", Help: "Transactions escalated to a human.",
		}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transactions", Help: "Transactions by current state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.alerts, m.transitions, m.planAttempts, m.approvals, m.callbacksRejected,
		m.executions, m.executionSeconds, m.escalations, m.active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Alert(outcome string) {
	if m != nil {
		m.alerts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) PlanAttempt(outcome string) {
	if m != nil {
		m.planAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Approval(decision string) {
	if m != nil {
		m.approvals.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) CallbackRejected(reason string) {
	if m != nil {
		m.callbacksRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Execution(tool, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(tool, status).Inc()
	m.executionSeconds.WithLabelValues(tool).Observe(took.Seconds())
}

func (m *Metrics) Escalation() {
	if m != nil {
		m.escalations.Inc()
	}
}

// SetStateCounts replaces the per-state gauge with counts.
func (m *Metrics) SetStateCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.active.Reset()
	for state, n := range counts {
		m.active.WithLabelValues(state).Set(float64(n))
	}
}
