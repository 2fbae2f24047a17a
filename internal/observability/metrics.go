// Package observability exposes prometheus metrics and the dedicated
// admin server that serves them alongside liveness/readiness probes.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the global prefix for all metrics (heksher_...).
const namespace = "heksher"

var (
	// HTTPReqDuration measures the latency of API requests.
	// Metric: heksher_api_http_handling_seconds
	HTTPReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// HTTPReqTotal counts API requests by status code.
	// Metric: heksher_api_http_requests_total
	HTTPReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "path", "code"})

	// QueryCacheHits counts query responses served from the cache.
	QueryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "cache_hits_total",
		Help:      "Total query responses served from the cache",
	})

	// QueryCacheMisses counts query responses assembled from the database.
	QueryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "cache_misses_total",
		Help:      "Total query responses assembled from the database",
	})

	// DeclarationOutcomes counts declaration verdicts by outcome.
	// Metric: heksher_settings_declaration_outcomes_total
	DeclarationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settings",
		Name:      "declaration_outcomes_total",
		Help:      "Total setting declarations by outcome",
	}, []string{"outcome"})

	// DatabaseHealthy reflects the sentinel's latest verdict (1 healthy,
	// 0 failing).
	DatabaseHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "database_up",
		Help:      "Whether the latest database health check succeeded",
	})
)
