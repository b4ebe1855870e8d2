// Package metrics defines the Prometheus collectors shared by the resolver,
// gateway and registration packages, plus the HTTP exposition handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request count by method, route and status code
	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests made.",
		},
		[]string{"method", "path", "code"},
	)

	// HTTP request duration by method and route
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Counter for text record reads
	recordReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ens_record_reads_total",
			Help: "Total number of text record reads, by result.",
		},
		[]string{"result"}, // success, error
	)

	// Counter for endpoint resolutions that reached the registry
	endpointResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_resolutions_total",
			Help: "Total number of agent endpoint resolutions, by outcome.",
		},
		[]string{"outcome"}, // agent, default
	)

	// Counter for gateway calls
	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of gateway requests, by result.",
		},
		[]string{"result"}, // success, unauthorized, upstream_error
	)

	// Counter for registration workflow transitions
	registrationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_transitions_total",
			Help: "Total number of registration state transitions, by target state.",
		},
		[]string{"state"},
	)

	// Counter for on-chain writes
	chainWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_chain_writes_total",
			Help: "Total number of registration chain writes, by step and result.",
		},
		[]string{"step", "result"},
	)

	// Counter for issued session tokens
	sessionIssuance = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_issuance_total",
			Help: "Total number of session tokens issued.",
		},
	)

	// Counter for challenge signature verifications
	challengeValidation = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_validation_total",
			Help: "Total number of challenge validations, by result.",
		},
		[]string{"result"}, // success, expired, invalid, replay
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method, path, code string, seconds float64) {
	requestCount.WithLabelValues(method, path, code).Inc()
	requestDuration.WithLabelValues(method, path).Observe(seconds)
}

func IncrementRecordRead(result string) {
	recordReads.WithLabelValues(result).Inc()
}

func IncrementEndpointResolution(outcome string) {
	endpointResolutions.WithLabelValues(outcome).Inc()
}

func IncrementGatewayRequest(result string) {
	gatewayRequests.WithLabelValues(result).Inc()
}

func IncrementRegistrationTransition(state string) {
	registrationTransitions.WithLabelValues(state).Inc()
}

func IncrementChainWrite(step, result string) {
	chainWrites.WithLabelValues(step, result).Inc()
}

func IncrementSessionIssuance() {
	sessionIssuance.Inc()
}

func IncrementChallengeValidation(result string) {
	challengeValidation.WithLabelValues(result).Inc()
}
