// Package metrics exposes the orchestrator's contractual counters and
// histograms to the observability collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every series the core emits.
type Metrics struct {
	ItemOutcomes  *prometheus.CounterVec
	ItemFailures  *prometheus.CounterVec
	ItemRetries   *prometheus.CounterVec
	Duplicates    *prometheus.CounterVec
	DedupeHits    prometheus.Counter
	Processing    prometheus.Histogram
	PhaseDuration *prometheus.HistogramVec
}

// New registers the series on reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harmony_item_outcomes_total",
			Help: "Final item states.",
		}, []string{"state"}),
		ItemFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harmony_item_failures_total",
			Help: "Item failures by error class.",
		}, []string{"error_type"}),
		ItemRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harmony_item_retries_total",
			Help: "Retry attempts by error class.",
		}, []string{"error_type"}),
		Duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harmony_duplicates_total",
			Help: "Items skipped as duplicates.",
		}, []string{"already_processed"}),
		DedupeHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "harmony_dedupe_hits_total",
			Help: "Dedupe key collisions observed at reservation time.",
		}),
		Processing: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harmony_processing_seconds",
			Help:    "Wall time per successful item.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harmony_phase_duration_seconds",
			Help:    "Per-phase durations derived from item events.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"phase"}),
	}
}
