package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"team_id", "endpoint", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint", "provider", "model"},
	)

	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream calls by outcome (ok, transport, timeout, rejection)",
		},
		[]string{"provider", "model", "endpoint", "outcome"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"team_id", "provider", "model", "type"},
	)

	BilledNanos = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_billed_nanos_total",
			Help: "Total billed amount in 1e-9 currency units",
		},
		[]string{"team_id", "provider", "model", "currency"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider", "model", "endpoint"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Breaker state transitions",
		},
		[]string{"provider", "model", "endpoint", "from", "to"},
	)

	StickyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sticky_routing_total",
			Help: "Sticky routing lookups by result (hit, miss, overridden)",
		},
		[]string{"endpoint", "result"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_decode_errors_total",
			Help: "Payloads decoded with recoverable issues",
		},
		[]string{"protocol", "direction"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)
)

func RecordRequest(teamID, endpoint, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(teamID, endpoint, provider, model, status).Inc()
	RequestDuration.WithLabelValues(endpoint, provider, model).Observe(durationSec)
}

func RecordUpstreamAttempt(provider, model, endpoint, outcome string) {
	UpstreamAttempts.WithLabelValues(provider, model, endpoint, outcome).Inc()
}

func RecordTokens(teamID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(teamID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(teamID, provider, model, "output").Add(float64(outputTokens))
}

func RecordBilled(teamID, provider, model, currency string, nanos int64) {
	if nanos <= 0 {
		return
	}
	BilledNanos.WithLabelValues(teamID, provider, model, currency).Add(float64(nanos))
}

// breakerGauge maps state names onto the gauge encoding.
var breakerGauge = map[string]float64{"closed": 0, "half_open": 1, "open": 2}

func RecordBreakerTransition(provider, model, endpoint, from, to string) {
	BreakerTransitions.WithLabelValues(provider, model, endpoint, from, to).Inc()
	BreakerState.WithLabelValues(provider, model, endpoint).Set(breakerGauge[to])
}

func RecordSticky(endpoint, result string) {
	StickyHits.WithLabelValues(endpoint, result).Inc()
}

func RecordDecodeError(protocol, direction string) {
	DecodeErrors.WithLabelValues(protocol, direction).Inc()
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
