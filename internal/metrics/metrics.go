// Package metrics provides Prometheus metrics for the MCP relay.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace prefix for all metrics
	namespace = "mcprelay"

	// Subsystems
	subsystemDispatch  = "dispatch"
	subsystemTransport = "transport"
	subsystemClient    = "client"
	subsystemCircuit   = "circuit_breaker"
	subsystemGateway   = "gateway"
)

var (
	// DurationBuckets for request durations
	DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// === Dispatcher Metrics ===

	// DispatchRequestsTotal counts dispatched requests by method and JSON-RPC outcome code (0 = success)
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "requests_total",
			Help:      "Total number of dispatched JSON-RPC requests",
		},
		[]string{"method", "code"},
	)

	// DispatchRequestDuration measures dispatch latency
	DispatchRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "request_duration_seconds",
			Help:      "Dispatch latency in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"method"},
	)

	// DispatchToolCalls counts tools/call executions
	DispatchToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "tool_calls_total",
			Help:      "Total number of tool executions",
		},
		[]string{"tool", "is_error"},
	)

	// DispatchToolsList counts tools/list pages served
	DispatchToolsList = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "tools_list_pages_total",
			Help:      "Total number of tools/list pages served",
		},
	)

	// === Transport Metrics ===

	// TransportRoundTrips counts transport round trips
	TransportRoundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "round_trips_total",
			Help:      "Total number of transport round trips",
		},
		[]string{"transport", "kind", "outcome"},
	)

	// TransportRoundTripDuration measures round trip latency
	TransportRoundTripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "round_trip_duration_seconds",
			Help:      "Transport round trip latency in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"transport", "kind"},
	)

	// TransportProcesses shows running stdio subprocesses
	TransportProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "processes_running",
			Help:      "Number of running stdio transport subprocesses",
		},
		[]string{"transport"},
	)

	// === Client Metrics ===

	// ClientDiscoveredTools shows tools discovered per transport
	ClientDiscoveredTools = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemClient,
			Name:      "discovered_tools",
			Help:      "Number of tools discovered on each transport",
		},
		[]string{"transport"},
	)

	// ClientDiscoveryFailures counts failed discovery steps
	ClientDiscoveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemClient,
			Name:      "discovery_failures_total",
			Help:      "Total number of transport discovery failures",
		},
		[]string{"transport", "stage"},
	)

	// ClientToolCalls counts client tool calls by outcome
	ClientToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemClient,
			Name:      "tool_calls_total",
			Help:      "Total number of client tool calls",
		},
		[]string{"tool", "transport", "outcome"},
	)

	// === Circuit Breaker Metrics ===

	// CircuitBreakerActive shows in-flight requests
	CircuitBreakerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCircuit,
			Name:      "active",
			Help:      "Number of in-flight requests per transport",
		},
		[]string{"transport"},
	)

	// CircuitBreakerWaiting shows queued requests
	CircuitBreakerWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCircuit,
			Name:      "waiting",
			Help:      "Number of requests waiting for a transport",
		},
		[]string{"transport"},
	)

	// CircuitBreakerRejections counts rejections
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCircuit,
			Name:      "rejections_total",
			Help:      "Total number of circuit breaker rejections",
		},
		[]string{"transport", "reason"},
	)

	// === Gateway Metrics ===

	// GatewayHTTPRequests counts HTTP requests on the JSON-RPC endpoint
	GatewayHTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGateway,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests on the JSON-RPC endpoint",
		},
		[]string{"status_code"},
	)

	// GatewayReloads counts configuration reloads
	GatewayReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGateway,
			Name:      "reloads_total",
			Help:      "Total number of gateway configuration reloads",
		},
		[]string{"result"},
	)

	// GatewayTools shows tools exposed by the gateway
	GatewayTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemGateway,
			Name:      "tools",
			Help:      "Number of tools exposed by the gateway",
		},
	)

	// registry holds all metrics
	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		// Dispatcher metrics
		DispatchRequestsTotal,
		DispatchRequestDuration,
		DispatchToolCalls,
		DispatchToolsList,
		// Transport metrics
		TransportRoundTrips,
		TransportRoundTripDuration,
		TransportProcesses,
		// Client metrics
		ClientDiscoveredTools,
		ClientDiscoveryFailures,
		ClientToolCalls,
		// Circuit breaker metrics
		CircuitBreakerActive,
		CircuitBreakerWaiting,
		CircuitBreakerRejections,
		// Gateway metrics
		GatewayHTTPRequests,
		GatewayReloads,
		GatewayTools,
	)

	// Also register Go runtime and process collectors
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordDispatch records a dispatched request; code is 0 for success
func RecordDispatch(method string, code int, duration float64) {
	DispatchRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	DispatchRequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordToolCall records a tool execution on the serving side
func RecordToolCall(tool string, isError bool) {
	DispatchToolCalls.WithLabelValues(tool, strconv.FormatBool(isError)).Inc()
}

// RecordToolsListPage records a tools/list page
func RecordToolsListPage() {
	DispatchToolsList.Inc()
}

// RecordRoundTrip records one transport round trip
func RecordRoundTrip(transport, kind, outcome string, duration float64) {
	TransportRoundTrips.WithLabelValues(transport, kind, outcome).Inc()
	TransportRoundTripDuration.WithLabelValues(transport, kind).Observe(duration)
}

// SetProcessRunning marks a stdio subprocess as running or stopped
func SetProcessRunning(transport string, running bool) {
	val := 0.0
	if running {
		val = 1.0
	}
	TransportProcesses.WithLabelValues(transport).Set(val)
}

// SetDiscoveredTools sets the discovered tool count for a transport
func SetDiscoveredTools(transport string, count int) {
	ClientDiscoveredTools.WithLabelValues(transport).Set(float64(count))
}

// RecordDiscoveryFailure records a failed discovery stage (initialize, list)
func RecordDiscoveryFailure(transport, stage string) {
	ClientDiscoveryFailures.WithLabelValues(transport, stage).Inc()
}

// RecordClientToolCall records a client tool call outcome
func RecordClientToolCall(tool, transport, outcome string) {
	ClientToolCalls.WithLabelValues(tool, transport, outcome).Inc()
}

// SetCircuitBreakerActive sets the active count for a circuit breaker
func SetCircuitBreakerActive(transport string, count int) {
	CircuitBreakerActive.WithLabelValues(transport).Set(float64(count))
}

// SetCircuitBreakerWaiting sets the waiting count for a circuit breaker
func SetCircuitBreakerWaiting(transport string, count int) {
	CircuitBreakerWaiting.WithLabelValues(transport).Set(float64(count))
}

// RecordCircuitBreakerRejection records a circuit breaker rejection
func RecordCircuitBreakerRejection(transport, reason string) {
	CircuitBreakerRejections.WithLabelValues(transport, reason).Inc()
}

// RecordHTTPRequest records a request on the JSON-RPC HTTP endpoint
func RecordHTTPRequest(statusCode int) {
	GatewayHTTPRequests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordReload records a gateway reload ("success" or "failure")
func RecordReload(result string) {
	GatewayReloads.WithLabelValues(result).Inc()
}

// SetGatewayTools sets the number of tools exposed by the gateway
func SetGatewayTools(count int) {
	GatewayTools.Set(float64(count))
}
