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

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap calls per endpoint (geocode, forecast, timemachine). Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per endpoint. Two calls per cache miss, so a miss costs roughly the sum.
	WeatherAPIDuration *prometheus.HistogramVec

	// Cache hits and misses by mode (forecast, historical). Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Store failures by operation (lookup, store) and category. Lookup failures degrade to a miss.
	CacheErrorsTotal *prometheus.CounterVec

	// Store latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses for the same key. Watch for: a hot key fetched many times at once.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Requests that waited on another caller's in-flight fetch instead of calling upstream.
	RequestCoalescingHitsTotal   *prometheus.CounterVec
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Total weather lookups by mode.
	WeatherQueriesTotal *prometheus.CounterVec

	// Per-city query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Failed lookups by error category (invalid_date, city_not_found, network, ...).
	WeatherErrorsTotal *prometheus.CounterVec

	// trackedLocations is built from config; used to resolve location labels.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
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
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of weather record cache hits",
		},
		[]string{"mode"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of weather record cache misses",
		},
		[]string{"mode"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Weather record store failures by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Weather record store latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses observed while another miss for the same key was in progress",
		},
		[]string{"location"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses for the same key when a stampede is detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"location"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests served by another caller's in-flight upstream fetch",
		},
		[]string{"location"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced upstream fetch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	WeatherQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
		[]string{"mode"},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by city (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	WeatherErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherErrorsTotal",
			Help: "Failed weather lookups by error category",
		},
		[]string{"category"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal, WeatherErrorsTotal,
	)
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations use "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// MetricLocationLabel returns location when it is tracked, otherwise "other".
// Keeps label cardinality bounded regardless of what callers query.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// RecordWeatherQuery records a weather query for city in the given mode.
func RecordWeatherQuery(city, mode string) {
	WeatherQueriesTotal.WithLabelValues(mode).Inc()
	WeatherQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(city)).Inc()
}

func normalizeLocationForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
