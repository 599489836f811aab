// Package metrics exposes Prometheus collectors for funcbox.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcbox_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funcbox_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcbox_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcbox_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	dbConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcbox_db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	functionRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcbox_function_registrations_total",
			Help: "Total number of function registration attempts",
		},
		[]string{"result"},
	)

	functionInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcbox_function_invocations_total",
			Help: "Total number of function invocations",
		},
		[]string{"function", "runtime", "status"},
	)

	functionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funcbox_function_duration_seconds",
			Help:    "Function execution time in seconds",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"function", "runtime"},
	)

	sandboxSetupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcbox_sandbox_setup_failures_total",
			Help: "Executions that failed because the sandbox could not be built",
		},
		[]string{"runtime"},
	)

	triggerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcbox_trigger_evaluations_total",
			Help: "Trigger evaluations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funcbox_events_processed_total",
			Help: "Events processed by the bus",
		},
		[]string{"status"},
	)

	feedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funcbox_execution_stream_subscribers",
			Help: "Number of connected execution stream clients",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

func UpdateDBStats(open, inUse int) {
	dbConnectionsOpen.Set(float64(open))
	dbConnectionsInUse.Set(float64(inUse))
}

// RecordRegistration counts a registration attempt. result is "ok",
// "conflict" or "invalid".
func RecordRegistration(result string) {
	functionRegistrations.WithLabelValues(result).Inc()
}

func RecordFunctionInvocation(function, runtime, status string, duration time.Duration) {
	functionInvocations.WithLabelValues(function, runtime, status).Inc()
	functionDuration.WithLabelValues(function, runtime).Observe(duration.Seconds())
}

func RecordSandboxSetupFailure(runtime string) {
	sandboxSetupFailures.WithLabelValues(runtime).Inc()
}

// RecordTriggerEvaluation counts a trigger outcome: fired, skipped, error
// or duplicate.
func RecordTriggerEvaluation(kind, outcome string) {
	triggerEvaluations.WithLabelValues(kind, outcome).Inc()
}

func RecordEventProcessed(status string) {
	eventsProcessed.WithLabelValues(status).Inc()
}

func SetStreamSubscribers(n int) {
	feedSubscribers.Set(float64(n))
}

// NormalizePath replaces ServeMux wildcards with ":" placeholders so
// patterns make stable label values.
func NormalizePath(path string) string {
	if len(path) > 100 {
		path = path[:100]
	}

	normalized := make([]byte, 0, len(path))
	inParam := false
	for i := 0; i < len(path); i++ {
		switch {
		case path[i] == '{':
			inParam = true
			normalized = append(normalized, ':')
		case path[i] == '}':
			inParam = false
		case !inParam:
			normalized = append(normalized, path[i])
		}
	}
	return string(normalized)
}
