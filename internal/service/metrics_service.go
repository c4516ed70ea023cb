package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot is a point-in-time summary served by the health endpoint.
type MetricsSnapshot struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	OptionLoads              uint64    `json:"option_loads"`
	OptionLoadFailures       uint64    `json:"option_load_failures"`
	BatchSubmissions         uint64    `json:"batch_submissions"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	cacheLatency     prometheus.Observer
	cacheWrite       prometheus.Observer
	cacheHitRatio    prometheus.Gauge
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	optionLoad       *prometheus.HistogramVec
	optionFailures   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	batchTotal       *prometheus.CounterVec
	batchEntries     *prometheus.HistogramVec
	activeSessions   *prometheus.GaugeVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	optionLoadCount      uint64
	optionFailureCount   uint64
	batchCount           uint64
}

// NewMetricsService registers the console's Prometheus collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	optionLoad := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "option_load_duration_seconds",
		Help:    "Duration of option list loads per chain level",
		Buckets: prometheus.DefBuckets,
	}, []string{"level", "cached"})

	optionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "option_load_failures_total",
		Help: "Failed option list loads per chain level",
	}, []string{"level"})

	upstreamDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Duration of calls to the school API",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "resource", "status"})

	batchTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_submissions_total",
		Help: "Batch submissions per sheet kind and outcome",
	}, []string{"kind", "outcome"})

	batchEntries := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_submission_entries",
		Help:    "Number of changed rows per batch submission",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
	}, []string{"kind"})

	activeSessions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Open form and sheet sessions",
	}, []string{"type"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		optionLoad, optionFailures, upstreamDuration, batchTotal, batchEntries, activeSessions, goroutines)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		cacheLatency:     cacheLatency,
		cacheWrite:       cacheWrite,
		cacheHitRatio:    cacheHitRatio,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		optionLoad:       optionLoad,
		optionFailures:   optionFailures,
		upstreamDuration: upstreamDuration,
		batchTotal:       batchTotal,
		batchEntries:     batchEntries,
		activeSessions:   activeSessions,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveOptionLoad records one option list resolution. Cached loads come from the
// in-session cache.
func (m *MetricsService) ObserveOptionLoad(level string, cached bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.optionLoadCount, 1)
	if err != nil {
		m.optionFailures.WithLabelValues(level).Inc()
		atomic.AddUint64(&m.optionFailureCount, 1)
		return
	}
	m.optionLoad.WithLabelValues(level, fmt.Sprintf("%t", cached)).Observe(duration.Seconds())
}

// ObserveUpstreamRequest records a call to the school API.
func (m *MetricsService) ObserveUpstreamRequest(method, resource string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(method, resource, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
}

// ObserveBatchSubmission records a submission outcome: saved, invalid or failed.
func (m *MetricsService) ObserveBatchSubmission(kind, outcome string, entries int) {
	if m == nil {
		return
	}
	m.batchTotal.WithLabelValues(kind, outcome).Inc()
	if entries > 0 {
		m.batchEntries.WithLabelValues(kind).Observe(float64(entries))
	}
	atomic.AddUint64(&m.batchCount, 1)
}

// SetActiveSessions reports the number of open sessions of one type.
func (m *MetricsService) SetActiveSessions(kind string, n int) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Set(float64(n))
}

// Snapshot returns aggregated metrics for the health endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}
	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		OptionLoads:              atomic.LoadUint64(&m.optionLoadCount),
		OptionLoadFailures:       atomic.LoadUint64(&m.optionFailureCount),
		BatchSubmissions:         atomic.LoadUint64(&m.batchCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
