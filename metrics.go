package accessctl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	CacheLookupsTotal  *prometheus.CounterVec
	AuditFailuresTotal *prometheus.CounterVec
	AdminOpsTotal      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessctl_evaluations_total",
				Help: "Permission evaluations by outcome",
			},
			[]string{"granted", "matched_by", "failure", "cached"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessctl_evaluation_duration_seconds",
				Help:    "Permission evaluation latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"cached"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessctl_cache_lookups_total",
				Help: "Decision cache lookups by result",
			},
			[]string{"result"},
		),
		AuditFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessctl_audit_failures_total",
				Help: "Audit events that could not be written",
			},
			[]string{"action"},
		),
		AdminOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessctl_admin_operations_total",
				Help: "Administration operations by result",
			},
			[]string{"operation", "result"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.EvaluationsTotal, m.EvaluationDuration, m.CacheLookupsTotal, m.AuditFailuresTotal, m.AdminOpsTotal,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// WithMetrics installs Prometheus collectors on the engine.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *Metrics) observeEvaluation(dec *Decision, cached bool, d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(boolLabel(dec.Granted), string(dec.MatchedBy), string(dec.Failure), boolLabel(cached)).Inc()
	m.EvaluationDuration.WithLabelValues(boolLabel(cached)).Observe(d.Seconds())
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) auditFailure(action AuditAction) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) adminOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AdminOpsTotal.WithLabelValues(op, result).Inc()
}
