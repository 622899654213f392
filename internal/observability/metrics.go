package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/civic-signals-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// SODA call rate by outcome. Watch for: forbidden or server_error share.
	UpstreamCallsTotal *prometheus.CounterVec

	// SODA latency. Large paginated fetches dominate the tail.
	UpstreamDuration *prometheus.HistogramVec

	// 403 responses retried without the app token. Watch for: a revoked or throttled token.
	UpstreamTokenRetriesTotal prometheus.Counter

	// Upstream calls answered by the in-process memo.
	UpstreamMemoHitsTotal prometheus.Counter

	// Rows dropped during normalization, by city and reason.
	RecordsRejectedTotal *prometheus.CounterVec

	// Durable cache hits and misses per domain. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend failures. These are swallowed; the request falls through to upstream.
	CacheErrorsTotal *prometheus.CounterVec

	// Expired entries removed by prune or sweep, per backend.
	CacheEntriesPrunedTotal *prometheus.CounterVec

	// Cache warming outcomes.
	CacheWarmTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Breaker transitions. Watch for: flapping between open and half-open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Requests still running when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	rateLimitGaugesOnce sync.Once
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
			Help: "Total number of open-data API calls",
		},
		[]string{"status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Open-data API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	UpstreamTokenRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamTokenRetriesTotal",
			Help: "Total number of 403 responses retried without the app token",
		},
	)
	UpstreamMemoHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamMemoHitsTotal",
			Help: "Total number of upstream calls served from the in-process memo",
		},
	)
	RecordsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsRejectedTotal",
			Help: "Rows dropped during normalization",
		},
		[]string{"city", "reason"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of durable cache hits",
		},
		[]string{"domain"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of durable cache misses",
		},
		[]string{"domain"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend failures (swallowed)",
		},
		[]string{"op", "backend"},
	)
	CacheEntriesPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheEntriesPrunedTotal",
			Help: "Expired cache entries removed",
		},
		[]string{"backend"},
	)
	CacheWarmTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheWarmTotal",
			Help: "Cache warming attempts by outcome",
		},
		[]string{"result"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "Requests in flight when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamTokenRetriesTotal, UpstreamMemoHitsTotal,
		RecordsRejectedTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheEntriesPrunedTotal, CacheWarmTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal, ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with the overload window.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordRejected counts a normalization rejection for city.
func RecordRejected(city, reason string) {
	RecordsRejectedTotal.WithLabelValues(city, reason).Inc()
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// RecordShutdownInFlight records how many requests were running when shutdown began.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
