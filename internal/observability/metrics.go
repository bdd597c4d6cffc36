package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// PMS API call rate by status label. Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// PMS API latency per call. Watch for: p95 > 2s (upstream degradation).
	UpstreamDuration *prometheus.HistogramVec

	// Transport-level retry attempts. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal prometheus.Counter

	// Coalescer calls by outcome (started = ran the operation, shared = attached to an in-flight one).
	CoalescerCallsTotal *prometheus.CounterVec

	// Pending operations dropped by the timeout sweep. Non-zero means something upstream hangs.
	CoalescerEvictionsTotal *prometheus.CounterVec

	// Time callers spent waiting for a coalesced outcome.
	CoalescerWaitSeconds *prometheus.HistogramVec

	// Cache client fetches by trigger (get, subscribe, refresh, interval, retry, focus, reconnect) and result.
	CacheFetchesTotal *prometheus.CounterVec

	// Reads answered from the cache client by entry state (fresh, stale).
	CacheHitsTotal *prometheus.CounterVec

	// Completions discarded because a newer-started fetch was already applied.
	CacheStaleDiscardsTotal prometheus.Counter

	// Entries that stopped auto-retrying after errorRetryCount consecutive failures.
	CacheRetryExhaustedTotal prometheus.Counter

	// Active subscriptions across all keys.
	CacheSubscribers prometheus.Gauge

	// Keys currently held by the cache client.
	CacheEntries prometheus.Gauge

	// Provider (seed store) errors by operation and category.
	ProviderErrorsTotal *prometheus.CounterVec

	// Provider operation latency by operation and result.
	ProviderOperationDurationSeconds *prometheus.HistogramVec

	// Warm-up runs and failures.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half-open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Upstream reachability as seen by the connectivity monitor (1 online, 0 offline).
	UpstreamOnline prometheus.Gauge

	// Per-resource read count (allow-list; others go to "other").
	ResourceQueriesTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// trackedResources is built from config; used to resolve resource labels for metrics.
	trackedResourcesMu sync.RWMutex
	trackedResources   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of PMS API calls",
		},
		[]string{"status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "PMS API latency in seconds (per call)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of transport retry attempts for PMS API calls",
		},
	)
	CoalescerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescerCallsTotal",
			Help: "Coalescer calls by outcome: started ran the operation, shared attached to an in-flight one",
		},
		[]string{"coalescer", "outcome"},
	)
	CoalescerEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescerEvictionsTotal",
			Help: "Pending operations removed by the timeout sweep",
		},
		[]string{"coalescer"},
	)
	CoalescerWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coalescerWaitSeconds",
			Help:    "Time spent waiting for a coalesced outcome",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"coalescer"},
	)
	CacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheFetchesTotal",
			Help: "Cache client fetches by trigger and result",
		},
		[]string{"trigger", "result"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Reads answered from cached data by entry state",
		},
		[]string{"state"},
	)
	CacheStaleDiscardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStaleDiscardsTotal",
			Help: "Fetch completions discarded because a newer-started fetch was already applied",
		},
	)
	CacheRetryExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheRetryExhaustedTotal",
			Help: "Entries that stopped auto-retrying after the configured number of failures",
		},
	)
	CacheSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheSubscribers",
			Help: "Active cache subscriptions",
		},
	)
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheEntries",
			Help: "Keys held by the cache client",
		},
	)
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerErrorsTotal",
			Help: "Seed store errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	ProviderOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "providerOperationDurationSeconds",
			Help:    "Seed store operation latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5},
		},
		[]string{"operation", "result"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warm-up runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warm-up runs with at least one failed key",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warm-up duration",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	UpstreamOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstreamOnline",
			Help: "PMS API reachability from the connectivity probe (1 online, 0 offline)",
		},
	)
	ResourceQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourceQueriesTotal",
			Help: "Resource reads by top-level resource (allow-list; others use resource=other)",
		},
		[]string{"resource"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal,
		CoalescerCallsTotal, CoalescerEvictionsTotal, CoalescerWaitSeconds,
		CacheFetchesTotal, CacheHitsTotal, CacheStaleDiscardsTotal, CacheRetryExhaustedTotal,
		CacheSubscribers, CacheEntries,
		ProviderErrorsTotal, ProviderOperationDurationSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		UpstreamOnline,
		ResourceQueriesTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition counts a breaker state change for component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state value for component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// CircuitBreakerStateValue converts a breaker state ordinal to its gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// SetTrackedResources sets the allow-list for resource metrics. Non-tracked resources increment "other".
func SetTrackedResources(resources []string) {
	trackedResourcesMu.Lock()
	defer trackedResourcesMu.Unlock()
	trackedResources = make(map[string]struct{}, len(resources))
	for _, r := range resources {
		trackedResources[normalizeResourceForMetrics(r)] = struct{}{}
	}
}

// RecordResourceQuery records a read for the resource identified by key.
func RecordResourceQuery(key string) {
	ResourceQueriesTotal.WithLabelValues(MetricResourceLabel(key)).Inc()
}

// MetricResourceLabel maps a cache key to a bounded label: its first path
// segment when tracked, "other" otherwise.
func MetricResourceLabel(key string) string {
	res := normalizeResourceForMetrics(key)
	trackedResourcesMu.RLock()
	_, ok := trackedResources[res] // nil map read is safe in Go
	trackedResourcesMu.RUnlock()
	if ok {
		return res
	}
	return "other"
}

func normalizeResourceForMetrics(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "/")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
