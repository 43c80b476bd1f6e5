// Package metrics holds the prometheus collectors updated while reconciling.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricUnits     = "units_total"
	MetricRecords   = "records_total"
	MetricBatches   = "batches_total"
	MetricReconcile = "reconcile_seconds"
)

var CounterUnits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sift",
		Name:      MetricUnits,
		Help:      "Source units reconciled, by outcome status.",
	},
	[]string{
		"status",
	},
)

var CounterRecords = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sift",
		Name:      MetricRecords,
		Help:      "Records written, by mode (upsert or insert).",
	},
	[]string{
		"mode",
	},
)

var CounterBatches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sift",
		Name:      MetricBatches,
		Help:      "Batches observed from extractors.",
	},
)

var HistogramReconcile = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "sift",
		Name:      MetricReconcile,
		Help:      "Wall time of one source unit reconciliation.",
		Buckets:   prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(CounterUnits)
	prometheus.MustRegister(CounterRecords)
	prometheus.MustRegister(CounterBatches)
	prometheus.MustRegister(HistogramReconcile)
}
