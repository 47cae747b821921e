// Package metrics holds the Prometheus instruments for the intelligence
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gergy"

// Metrics holds all engine metrics. A zero Registerer gets a private registry
// so components can always record without a nil check.
type Metrics struct {
	Registry *prometheus.Registry

	// Cache metrics
	CacheLookups   *prometheus.CounterVec // result: hit, miss, error
	CacheWrites    *prometheus.CounterVec // result: stored, below_floor, error
	CacheEvictions *prometheus.CounterVec // reason: expired, below_floor, invalidated

	// Budget metrics
	BudgetAdmissions    *prometheus.CounterVec // domain, outcome: admitted, denied
	BudgetSpent         *prometheus.GaugeVec   // domain, today's committed spend
	BudgetOverages      *prometheus.CounterVec // domain
	BudgetAlerts        *prometheus.CounterVec // domain, threshold
	ReservationsExpired prometheus.Counter

	// Pattern metrics
	PatternMatches *prometheus.CounterVec // template

	// Coordinator metrics
	PersistFailures *prometheus.CounterVec // component
	ProcessDuration prometheus.Histogram
	SessionsActive  prometheus.Gauge
}

// New registers every instrument on reg. When reg is nil a fresh registry is
// created and exposed as Metrics.Registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Relevance cache lookups by result",
		}, []string{"result"}),

		CacheWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Relevance cache writes by result",
		}, []string{"result"}),

		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Relevance cache entries removed by reason",
		}, []string{"reason"}),

		BudgetAdmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_admissions_total",
			Help:      "Budget reservation decisions by domain and outcome",
		}, []string{"domain", "outcome"}),

		BudgetSpent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spent",
			Help:      "Committed spend for the current day by domain",
		}, []string{"domain"}),

		BudgetOverages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_overages_total",
			Help:      "Commits that pushed a domain past its daily ceiling",
		}, []string{"domain"}),

		BudgetAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget threshold alerts fired",
		}, []string{"domain", "threshold"}),

		ReservationsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_reservations_expired_total",
			Help:      "Provisional reservations released by timeout",
		}),

		PatternMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_matches_total",
			Help:      "Pattern template matches",
		}, []string{"template"}),

		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Best-effort writes to the knowledge store that failed",
		}, []string{"component"}),

		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Coordinator Process latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently within the inactivity window",
		}),
	}
}

// OrNew returns m, or a Metrics bound to a private registry when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
