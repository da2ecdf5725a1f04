package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconcile outcomes, most significant first: a call that merged groups and
// also captured new information is reported as merged.
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeMerged           = "merged"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMatched          = "matched"
)

// Metrics holds the Prometheus collectors for identity reconciliation.
// A nil *Metrics records nothing.
type Metrics struct {
	Reconciliations   *prometheus.CounterVec
	Failures          *prometheus.CounterVec
	DemotedPrimaries  prometheus.Counter
	ConflictRetries   prometheus.Counter
	ReconcileDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitespeed_reconciliations_total",
			Help: "Completed identify calls, labeled by outcome",
		}, []string{"outcome"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitespeed_reconciliation_failures_total",
			Help: "Failed identify calls, labeled by error code",
		}, []string{"code"}),
		DemotedPrimaries: factory.NewCounter(prometheus.CounterOpts{
			Name: "bitespeed_demoted_primaries_total",
			Help: "Primary contacts demoted to secondary by a merge",
		}),
		ConflictRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "bitespeed_reconciliation_conflict_retries_total",
			Help: "Identify attempts re-run after a concurrent write conflict",
		}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bitespeed_reconciliation_duration_seconds",
			Help:    "Latency of identify calls in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveReconcile records a completed call.
func (m *Metrics) ObserveReconcile(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
	m.ReconcileDuration.Observe(d.Seconds())
}

// ObserveFailure records a failed call.
func (m *Metrics) ObserveFailure(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(code).Inc()
	m.ReconcileDuration.Observe(d.Seconds())
}

func (m *Metrics) AddDemotedPrimaries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DemotedPrimaries.Add(float64(n))
}

func (m *Metrics) IncConflictRetries() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}
