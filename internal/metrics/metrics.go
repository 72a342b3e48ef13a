// Package metrics holds the Prometheus collectors of the rollup pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AggregationRuns counts sweeps by granularity and outcome.
	AggregationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_aggregation_runs_total",
		Help: "Total number of aggregation sweeps",
	}, []string{"granularity", "status"})

	// AggregationDuration measures sweep duration.
	AggregationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tallystat_aggregation_duration_seconds",
		Help:    "Aggregation sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"granularity"})

	// SiteFailures counts per-site aggregation failures.
	SiteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_aggregation_site_failures_total",
		Help: "Total number of per-site aggregation failures",
	}, []string{"granularity"})

	// RollupWrites counts rows written by tier and mode.
	RollupWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_rollup_writes_total",
		Help: "Total number of rollup rows written",
	}, []string{"granularity", "mode"})

	// IntegrityViolations counts bucket writes rejected by integrity checks.
	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tallystat_rollup_integrity_violations_total",
		Help: "Total number of rollup writes rejected for integrity violations",
	})

	// RawEventsDeleted counts raw events removed by retention.
	RawEventsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_raw_events_deleted_total",
		Help: "Total number of raw events deleted by retention",
	}, []string{"kind"})

	// RollupsDeleted counts rollup rows removed by retention.
	RollupsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_rollups_deleted_total",
		Help: "Total number of rollup rows deleted by retention",
	}, []string{"granularity"})

	// ImportRows counts dump rows by table and outcome.
	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_import_rows_total",
		Help: "Total number of dump rows read by the importer",
	}, []string{"table", "status"})

	// ImportChunks counts finished chunks by outcome.
	ImportChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_import_chunks_total",
		Help: "Total number of import chunks finished",
	}, []string{"status"})

	// QueueTasks counts queue task outcomes.
	QueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tallystat_queue_tasks_total",
		Help: "Total number of queued task attempts",
	}, []string{"task", "status"})

	// QueueDepth is the number of tasks waiting or running.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tallystat_queue_depth",
		Help: "Current number of queued or running tasks",
	})

	// CacheEvictions counts stats cache family evictions.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tallystat_stats_cache_evictions_total",
		Help: "Total number of stats cache evictions",
	})
)
