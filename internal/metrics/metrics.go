// Package metrics exposes Prometheus metrics for the matching pipeline.
// Every method is safe to call on a nil *Metrics, so components can run
// without instrumentation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

type Metrics struct {
	registry *prometheus.Registry

	BatchItems       *prometheus.CounterVec
	Comparisons      *prometheus.CounterVec
	CatalogSearches  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	DetectionSeconds *prometheus.HistogramVec
	ActiveJobs       prometheus.Gauge
}

// New creates the collectors on a dedicated registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.BatchItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_matcher_batch_items_total",
		Help: "Detections processed by the batch executor, by outcome.",
	}, []string{"outcome"})

	m.Comparisons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_matcher_comparisons_total",
		Help: "Comparison service calls by provider, call shape and status.",
	}, []string{"provider", "shape", "status"})

	m.CatalogSearches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_matcher_catalog_searches_total",
		Help: "Catalog search requests by status.",
	}, []string{"status"})

	m.CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_matcher_catalog_cache_lookups_total",
		Help: "Catalog cache lookups by kind (search, image) and result (hit, miss).",
	}, []string{"kind", "result"})

	m.DetectionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shelf_matcher_detection_duration_seconds",
		Help:    "Time to run the pipeline for one detection.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"variant", "outcome"})

	m.ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shelf_matcher_active_jobs",
		Help: "Batch jobs currently running.",
	})

	for _, c := range []prometheus.Collector{
		m.BatchItems, m.Comparisons, m.CatalogSearches, m.CacheLookups, m.DetectionSeconds, m.ActiveJobs,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(zap.L().Named("metrics")),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

func (m *Metrics) RecordItem(outcome string) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordComparison(provider, shape string, err error) {
	if m == nil {
		return
	}
	m.Comparisons.WithLabelValues(provider, shape, statusOf(err)).Inc()
}

func (m *Metrics) RecordSearch(err error) {
	if m == nil {
		return
	}
	m.CatalogSearches.WithLabelValues(statusOf(err)).Inc()
}

func (m *Metrics) RecordCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveDetection(variant, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DetectionSeconds.WithLabelValues(variant, outcome).Observe(d.Seconds())
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
}

type timeout interface{ Timeout() bool }

func statusOf(err error) string {
	if err == nil {
		return StatusSuccess
	}
	var t timeout
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &t) && t.Timeout()) {
		return StatusTimeout
	}
	return StatusError
}
