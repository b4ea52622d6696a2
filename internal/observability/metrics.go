package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	gradingDuration       *prometheus.HistogramVec
	gradingRunsTotal      *prometheus.CounterVec
	testOutcomesTotal     *prometheus.CounterVec
	gradingMethodsTotal   *prometheus.CounterVec
	gradingInFlight       prometheus.Gauge
	statsCacheLookupTotal *prometheus.CounterVec
	gradingEventsTotal    *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the grading engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		gradingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_duration_seconds",
			Help:    "Time spent grading a submission or answer, by resulting status.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode", "status"})

		gradingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_runs_total",
			Help: "Grading runs by resulting status.",
		}, []string{"mode", "status"})

		testOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_test_outcomes_total",
			Help: "Test case outcomes recorded by the grading engine.",
		}, []string{"outcome"})

		gradingMethodsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_methods_total",
			Help: "Questions graded by method.",
		}, []string{"method"})

		gradingInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_in_flight",
			Help: "Grading runs currently executing.",
		})

		statsCacheLookupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_stats_cache_requests_total",
			Help: "Grading statistics cache lookups by result.",
		}, []string{"result"})

		gradingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_events_total",
			Help: "Grading lifecycle events relayed through the message bus.",
		}, []string{"type", "direction"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			gradingDuration, gradingRunsTotal, testOutcomesTotal, gradingMethodsTotal, gradingInFlight,
			statsCacheLookupTotal, gradingEventsTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// GradingDuration exposes the grading latency histogram.
func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingDuration
}

// GradingRuns exposes the grading run counter.
func GradingRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRunsTotal
}

// TestOutcomes exposes the per test case outcome counter.
func TestOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return testOutcomesTotal
}

// GradingMethods exposes the grading method counter.
func GradingMethods() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingMethodsTotal
}

// GradingInFlight exposes the gauge of running grading tasks.
func GradingInFlight() prometheus.Gauge {
	RegisterMetrics()
	return gradingInFlight
}

// StatsCacheRequests exposes the grading statistics cache counter.
func StatsCacheRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return statsCacheLookupTotal
}

// GradingEvents exposes the counter of relayed grading events.
func GradingEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingEventsTotal
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.Handler())
}
