// Package metrics provides Prometheus metrics for the medallion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Bronze
	BatchesLoaded    *prometheus.CounterVec
	RecordsLoaded    *prometheus.CounterVec
	MalformedRecords *prometheus.CounterVec

	// Quality
	RulesEvaluated *prometheus.CounterVec
	GateFailures   *prometheus.CounterVec

	// Silver
	FactsConformed    *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec
	DimensionVersions *prometheus.CounterVec

	// Gold
	MetricsPublished *prometheus.CounterVec

	// Coordinator
	Runs          *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Storage
	PartitionBytes *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. ":9090"
}

// Init registers the pipeline metrics under the given namespace.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "medallion"
	}

	return &Metrics{
		BatchesLoaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_loaded_total",
				Help:      "Bronze batches loaded",
			},
			[]string{"dataset", "source_system"},
		),
		RecordsLoaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_loaded_total",
				Help:      "Raw records appended to bronze",
			},
			[]string{"dataset"},
		),
		MalformedRecords: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_records_total",
				Help:      "Records stored with the malformed marker",
			},
			[]string{"dataset"},
		),
		RulesEvaluated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quality_rules_evaluated_total",
				Help:      "Quality rule evaluations",
			},
			[]string{"dataset", "severity"},
		),
		GateFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quality_gate_failures_total",
				Help:      "Batches blocked by a failing blocking rule",
			},
			[]string{"dataset"},
		),
		FactsConformed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "facts_conformed_total",
				Help:      "Conformed fact rows written to silver",
			},
			[]string{"dataset"},
		),
		DuplicatesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_dropped_total",
				Help:      "Rows dropped by business-key dedupe",
			},
			[]string{"dataset"},
		),
		DimensionVersions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dimension_versions_total",
				Help:      "New SCD2 dimension versions written",
			},
			[]string{"dataset"},
		),
		MetricsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gold_metrics_published_total",
				Help:      "Gold metric rows published",
			},
			[]string{"kpi"},
		),
		Runs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Stage runs by outcome",
			},
			[]string{"stage", "status"},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage execution duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"stage"},
		),
		PartitionBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_bytes",
				Help:      "Published partition sizes in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"layer", "dataset"},
		),
	}
}

// Serve starts the metrics HTTP server when enabled. Runs in a goroutine;
// errors are reported through errFn.
func Serve(cfg Config, errFn func(error)) {
	if !cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
			errFn(err)
		}
	}()
}
