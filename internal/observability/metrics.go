package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rgustavsen/skycast/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation), p99 > 5s (timeout risk).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Cache hits by type (fresh, stale). Watch for: hit rate collapse after deploys.
	CacheHitsTotal *prometheus.CounterVec

	// Total weather lookups. Watch for: traffic volume, rate() for QPS.
	WeatherQueriesTotal prometheus.Counter

	// Degraded responses served from stale cache or the fallback location.
	DegradedResponsesTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Geolocation readings by trust outcome (accepted, rejected).
	GeolocationReadingsTotal *prometheus.CounterVec

	// Geolocation acquisition failures by category. Watch for: permission_denied spikes after rollouts.
	GeolocationErrorsTotal *prometheus.CounterVec

	// Trust signals fired, by signal name. Watch for: a single signal dominating = miscalibrated threshold.
	TrustSignalsTriggeredTotal *prometheus.CounterVec

	// Trust verdicts by result (valid, invalid). Rejection rate = invalid/(valid+invalid).
	TrustVerdictsTotal *prometheus.CounterVec

	// Fingerprint mismatches against the stored baseline. Watch for: steady growth = unstable probe.
	FingerprintMismatchesTotal prometheus.Counter

	// Cache warming runs and failures. Watch for: repeated errors = fallback city unreachable at boot.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Circuit breaker transitions by component and destination state.
	// Watch for: open/half_open flapping = unstable upstream.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	trafficGaugesOnce sync.Once
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
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by cache type",
		},
		[]string{"cacheType"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	DegradedResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "degradedResponsesTotal",
			Help: "Responses served in degraded mode (stale cache or fallback location)",
		},
		[]string{"source"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	GeolocationReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocationReadingsTotal",
			Help: "Geolocation readings processed, by trust outcome",
		},
		[]string{"outcome"},
	)
	GeolocationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocationErrorsTotal",
			Help: "Geolocation acquisition failures by category",
		},
		[]string{"category"},
	)
	TrustSignalsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustSignalsTriggeredTotal",
			Help: "Suspicion signals fired during trust evaluation, by signal",
		},
		[]string{"signal"},
	)
	TrustVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustVerdictsTotal",
			Help: "Trust verdicts issued, by result",
		},
		[]string{"result"},
	)
	FingerprintMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fingerprintMismatchesTotal",
			Help: "Device fingerprint mismatches against the stored baseline",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that failed for at least one city",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions by component and destination state",
		},
		[]string{"component", "state"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		CacheHitsTotal,
		WeatherQueriesTotal, DegradedResponsesTotal,
		RateLimitDeniedTotal,
		GeolocationReadingsTotal, GeolocationErrorsTotal,
		TrustSignalsTriggeredTotal, TrustVerdictsTotal, FingerprintMismatchesTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CircuitBreakerTransitionsTotal,
	)
}

// RegisterTrafficGauges registers sliding-window traffic gauges. Call from
// main after config load with the configured health window.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficRequestsInWindow",
					Help: "Request outcomes recorded in the sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficErrorRateInWindow",
					Help: "Error rate over the sliding window (0..1)",
				},
				func() float64 {
					errs, total := traffic.ErrorRate(window)
					if total == 0 {
						return 0
					}
					return float64(errs) / float64(total)
				},
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
