// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	RunsTotal          *prometheus.CounterVec
	RunsInFlight       prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
	PagesRenderedTotal prometheus.Counter
	OCRSkippedTotal    prometheus.Counter
	ActiveStreams      prometheus.Gauge

	PromptCacheHitsTotal   prometheus.Counter
	PromptCacheMissesTotal prometheus.Counter

	CleanupObjectsDeleted prometheus.Counter
	CleanupFailuresTotal  prometheus.Counter
	CleanupBatchesTotal   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_runs_total",
				Help: "Total ingestion runs by mode and outcome (complete, error).",
			},
			[]string{"mode", "outcome"},
		),
		RunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_runs_in_flight",
				Help: "Number of ingestion pipelines currently executing.",
			},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		PagesRenderedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pages_rendered_total",
				Help: "Total document pages rendered and uploaded.",
			},
		),
		OCRSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ocr_skipped_total",
				Help: "Runs that used embedded text instead of OCR.",
			},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "progress_streams_active",
				Help: "Number of open progress event streams.",
			},
		),
		PromptCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prompt_cache_hits_total",
				Help: "Category prompt-default cache hits.",
			},
		),
		PromptCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prompt_cache_misses_total",
				Help: "Category prompt-default cache misses.",
			},
		),
		CleanupObjectsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cleanup_objects_deleted_total",
				Help: "Blob objects deleted by the janitor.",
			},
		),
		CleanupFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cleanup_object_failures_total",
				Help: "Individual object deletions that failed (skipped, not retried).",
			},
		),
		CleanupBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cleanup_batches_total",
				Help: "Cleanup batches processed by status.",
			},
			[]string{"status"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RunsTotal,
		m.RunsInFlight,
		m.StageDuration,
		m.PagesRenderedTotal,
		m.OCRSkippedTotal,
		m.ActiveStreams,
		m.PromptCacheHitsTotal,
		m.PromptCacheMissesTotal,
		m.CleanupObjectsDeleted,
		m.CleanupFailuresTotal,
		m.CleanupBatchesTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
