// Package metrics defines the Prometheus collectors used by the index workers
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "index_worker"

// Metrics holds all Prometheus collectors for the workers.
type Metrics struct {
	BackfillDocsTotal        *prometheus.CounterVec
	BackfillPagesTotal       *prometheus.CounterVec
	BackfillCompletedTotal   *prometheus.CounterVec
	FastForwardScansTotal    *prometheus.CounterVec
	FastForwardAdvancedTotal *prometheus.CounterVec
	SegmentsBuiltTotal       *prometheus.CounterVec
	SegmentBuildDocs         *prometheus.HistogramVec
	CompactionMergedTotal    *prometheus.CounterVec
	CompactionDuration       *prometheus.HistogramVec
	WorkerStepDuration       *prometheus.HistogramVec
	WorkerErrorsTotal        *prometheus.CounterVec
	CommitsTotal             *prometheus.CounterVec
	CommitConflictsTotal     prometheus.Counter
	EventsPublishedTotal     *prometheus.CounterVec
	CircuitBreakerState      *prometheus.GaugeVec
	LeaseHeld                *prometheus.GaugeVec

	registerer prometheus.Registerer
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction is safe.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackfillDocsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_docs_total",
				Help:      "Documents written by backfill, by index kind.",
			},
			[]string{"kind"},
		),
		BackfillPagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_pages_total",
				Help:      "Backfill pages committed, by index kind.",
			},
			[]string{"kind"},
		),
		BackfillCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_completed_total",
				Help:      "Indexes moved to Backfilled, by index kind.",
			},
			[]string{"kind"},
		),
		FastForwardScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fast_forward_scans_total",
				Help:      "Fast-forward runs by kind and result (scanned, debounced, error).",
			},
			[]string{"kind", "result"},
		),
		FastForwardAdvancedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fast_forward_advanced_total",
				Help:      "Indexes whose fast-forward timestamp advanced.",
			},
			[]string{"kind"},
		),
		SegmentsBuiltTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_built_total",
				Help:      "Segments built by the flusher, by kind and mode (backfill, incremental).",
			},
			[]string{"kind", "mode"},
		),
		SegmentBuildDocs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_build_docs",
				Help:      "Documents per built segment.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"kind"},
		),
		CompactionMergedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compaction_segments_merged_total",
				Help:      "Input segments consumed by compaction.",
			},
			[]string{"kind"},
		),
		CompactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compaction_duration_seconds",
				Help:      "Time to merge and commit one compaction.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),
		WorkerStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of one worker step.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"worker"},
		),
		WorkerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Worker step failures by worker and error class.",
			},
			[]string{"worker", "class"},
		),
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Storage commits by write source.",
			},
			[]string{"source"},
		),
		CommitConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_conflicts_total",
				Help:      "Commits rejected by OCC validation.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Lifecycle events by type and status.",
			},
			[]string{"type", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		LeaseHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lease_held",
				Help:      "1 while this process holds the worker lease.",
			},
			[]string{"worker"},
		),
		registerer: reg,
	}

	reg.MustRegister(
		m.BackfillDocsTotal,
		m.BackfillPagesTotal,
		m.BackfillCompletedTotal,
		m.FastForwardScansTotal,
		m.FastForwardAdvancedTotal,
		m.SegmentsBuiltTotal,
		m.SegmentBuildDocs,
		m.CompactionMergedTotal,
		m.CompactionDuration,
		m.WorkerStepDuration,
		m.WorkerErrorsTotal,
		m.CommitsTotal,
		m.CommitConflictsTotal,
		m.EventsPublishedTotal,
		m.CircuitBreakerState,
		m.LeaseHeld,
	)

	return m
}

// Register adds an extra collector, such as the storage engine's pebble
// collector, to the same registry.
func (m *Metrics) Register(c prometheus.Collector) {
	m.registerer.MustRegister(c)
}

// Handler returns the Prometheus scrape HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
