package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(cacheRequestsTotal, cacheFetchesTotal, cacheDeferredTotal, cacheOptimisticTotal, cacheInvalidationsTotal)
}

var (
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Tracks cache reads by key kind and result.",
		},
		[]string{"cache", "result"}, // e.g., cache="project_messages", result="hit|miss|stale|pending"
	)

	cacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_fetches_total",
			Help: "Background fetches by key kind and outcome.",
		},
		[]string{"cache", "outcome"}, // committed|error|discarded
	)

	cacheDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_deferred_refetches_total",
			Help: "Refetches held back because an optimistic write was pending on the key.",
		},
		[]string{"cache"},
	)

	cacheOptimisticTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_optimistic_writes_total",
			Help: "Optimistic writes by key kind and resolution.",
		},
		[]string{"cache", "resolution"}, // written|confirmed|rolled_back
	)

	cacheInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Invalidations by key kind.",
		},
		[]string{"cache"},
	)
)

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func IncCacheFetch(cacheName, outcome string) {
	cacheFetchesTotal.WithLabelValues(norm(cacheName), norm(outcome)).Inc()
}

func IncCacheDeferred(cacheName string) {
	cacheDeferredTotal.WithLabelValues(norm(cacheName)).Inc()
}

func IncCacheOptimistic(cacheName, resolution string) {
	cacheOptimisticTotal.WithLabelValues(norm(cacheName), norm(resolution)).Inc()
}

func IncCacheInvalidation(cacheName string) {
	cacheInvalidationsTotal.WithLabelValues(norm(cacheName)).Inc()
}
