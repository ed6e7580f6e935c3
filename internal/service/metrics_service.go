package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/evaluation-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	bundleRefresh   *prometheus.HistogramVec
	copiesReclaimed *prometheus.CounterVec
	resultsDeclared *prometheus.CounterVec
	ledgerEntries   *prometheus.CounterVec
	reviewsDropped  prometheus.Counter

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	bundleRefreshCount   uint64
	reclaimedCount       uint64
	declaredCount        uint64
	declareFailedCount   uint64
}

// MetricsSnapshot aggregates counters for the JSON metrics endpoint.
type MetricsSnapshot struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	BundleRefreshes          uint64    `json:"bundle_refreshes"`
	CopiesReclaimed          uint64    `json:"copies_reclaimed"`
	ResultsDeclared          uint64    `json:"results_declared"`
	DeclarationsFailed       uint64    `json:"declarations_failed"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// NewMetricsService registers core Prometheus collectors.
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
		Help:    "Latency for cache operations",
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

	bundleRefresh := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bundle_refresh_duration_seconds",
		Help:    "Duration of full bundle rescans",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	copiesReclaimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evaluation_copies_reclaimed_total",
		Help: "Copies returned to the unassigned pool",
	}, []string{"trigger"})

	resultsDeclared := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "results_declared_total",
		Help: "Result declarations by outcome",
	}, []string{"outcome"})

	ledgerEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evaluator_ledger_entries_total",
		Help: "Evaluator ledger entries appended by action",
	}, []string{"action"})

	reviewsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copy_reviews_dropped_total",
		Help: "Reviews dropped by reviewers or lease expiry",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		bundleRefresh, copiesReclaimed, resultsDeclared, ledgerEntries, reviewsDropped, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		bundleRefresh:   bundleRefresh,
		copiesReclaimed: copiesReclaimed,
		resultsDeclared: resultsDeclared,
		ledgerEntries:   ledgerEntries,
		reviewsDropped:  reviewsDropped,
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
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
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

// ObserveBundleRefresh records one aggregator rescan.
func (m *MetricsService) ObserveBundleRefresh(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.bundleRefresh.WithLabelValues(outcome).Observe(duration.Seconds())
	atomic.AddUint64(&m.bundleRefreshCount, 1)
}

// IncCopiesReclaimed counts copies returned to the pool. trigger is "admin" or "lease".
func (m *MetricsService) IncCopiesReclaimed(trigger string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.copiesReclaimed.WithLabelValues(trigger).Add(float64(n))
	atomic.AddUint64(&m.reclaimedCount, uint64(n))
}

// IncResultsDeclared counts declaration outcomes.
func (m *MetricsService) IncResultsDeclared(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.resultsDeclared.WithLabelValues("declared").Inc()
		atomic.AddUint64(&m.declaredCount, 1)
		return
	}
	m.resultsDeclared.WithLabelValues("failed").Inc()
	atomic.AddUint64(&m.declareFailedCount, 1)
}

// IncLedgerEntry counts appended ledger entries.
func (m *MetricsService) IncLedgerEntry(action models.LedgerAction) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(string(action)).Inc()
}

// IncReviewsDropped counts dropped reviews.
func (m *MetricsService) IncReviewsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reviewsDropped.Add(float64(n))
}

// Snapshot returns aggregated metrics suitable for the JSON endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if totalLookups := hits + misses; totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
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
		BundleRefreshes:          atomic.LoadUint64(&m.bundleRefreshCount),
		CopiesReclaimed:          atomic.LoadUint64(&m.reclaimedCount),
		ResultsDeclared:          atomic.LoadUint64(&m.declaredCount),
		DeclarationsFailed:       atomic.LoadUint64(&m.declareFailedCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
