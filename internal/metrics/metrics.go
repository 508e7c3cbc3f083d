// Package metrics exposes Prometheus instrumentation for the analysis
// engine: batch throughput for the draw processor and hit rates for the
// counterfactual scenario cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmx",
		Subsystem: "draws",
		Name:      "batches_processed_total",
		Help:      "Draw batches run through the outcome predictor.",
	}, []string{"distribution"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mmx",
		Subsystem: "draws",
		Name:      "batch_duration_seconds",
		Help:      "Wall time per draw batch.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	DrawsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmx",
		Subsystem: "draws",
		Name:      "processed_total",
		Help:      "Total posterior and prior draws evaluated.",
	})

	ScenarioCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmx",
		Subsystem: "scenario_cache",
		Name:      "hits_total",
		Help:      "Counterfactual scenario cache hits.",
	})

	ScenarioCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmx",
		Subsystem: "scenario_cache",
		Name:      "misses_total",
		Help:      "Counterfactual scenario cache misses.",
	})
)
