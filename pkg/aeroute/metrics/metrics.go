// Package metrics holds the Prometheus collectors shared by the planner,
// the inference engine and the learning system. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Plan outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics groups the aeroute collectors.
type Metrics struct {
	plans               *prometheus.CounterVec
	recentOptimizations prometheus.Gauge
	chainPasses         prometheus.Histogram
	astarExpansions     prometheus.Histogram
	learningMetrics     *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		plans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aeroute_plans_total",
			Help: "Route plans by outcome",
		}, []string{"outcome"}),
		recentOptimizations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aeroute_recent_optimizations",
			Help: "Entries in the recent optimizations cache",
		}),
		chainPasses: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aeroute_forward_chain_passes",
			Help:    "Passes needed by forward chaining to reach a fixpoint",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}),
		astarExpansions: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aeroute_astar_expansions",
			Help:    "Nodes expanded per A* search",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		learningMetrics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aeroute_learning_metrics_total",
			Help: "Learning metrics committed by type",
		}, []string{"type"}),
	}
}

// PlanOutcome counts one PlanRoute call.
func (m *Metrics) PlanOutcome(outcome string) {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(outcome).Inc()
}

// SetRecentOptimizations records the cache size.
func (m *Metrics) SetRecentOptimizations(n int) {
	if m == nil {
		return
	}
	m.recentOptimizations.Set(float64(n))
}

// ObserveChainPasses records the passes of one forward-chaining run.
func (m *Metrics) ObserveChainPasses(passes int) {
	if m == nil {
		return
	}
	m.chainPasses.Observe(float64(passes))
}

// ObserveExpansions records the nodes expanded by one A* search.
func (m *Metrics) ObserveExpansions(n int) {
	if m == nil {
		return
	}
	m.astarExpansions.Observe(float64(n))
}

// LearningMetric counts one committed learning metric.
func (m *Metrics) LearningMetric(metricType string) {
	if m == nil {
		return
	}
	m.learningMetrics.WithLabelValues(metricType).Inc()
}
