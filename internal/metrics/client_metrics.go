package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AI request outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeRemoteError  = "remote_error"
	OutcomeTimeout      = "timeout"
	OutcomeCancelled    = "cancelled"
	OutcomeDisconnected = "disconnected"
	OutcomeRejected     = "rejected"
)

var (
	// AI bridge metrics
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finpulse_ai_requests_total",
			Help: "Total number of AI bridge requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	AIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finpulse_ai_request_duration_seconds",
			Help:    "Time from emitting an AI request to its settlement",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"type"},
	)

	AIProgressEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finpulse_ai_progress_events_total",
			Help: "Total number of AI progress events received by status",
		},
		[]string{"status"},
	)

	AIBridgeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finpulse_ai_bridge_connected",
			Help: "Whether the AI bridge currently holds a live connection (1) or not (0)",
		},
	)

	AIPendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finpulse_ai_pending_requests",
			Help: "Number of AI requests awaiting a response",
		},
	)

	// Entitlement metrics
	EntitlementChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finpulse_entitlement_checks_total",
			Help: "Total number of entitlement checks by check kind and result",
		},
		[]string{"check", "result"},
	)

	// Subscription query metrics
	SubscriptionFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finpulse_subscription_fetches_total",
			Help: "Total number of subscription fetches by result",
		},
		[]string{"result"},
	)
)

// RecordAIRequest records the settlement of one AI request.
func RecordAIRequest(requestType, outcome string, elapsed time.Duration) {
	AIRequestsTotal.WithLabelValues(requestType, outcome).Inc()
	if outcome == OutcomeRejected {
		return
	}
	AIRequestDurationSeconds.WithLabelValues(requestType).Observe(elapsed.Seconds())
}

// RecordAIProgress records a progress event.
func RecordAIProgress(status string) {
	AIProgressEventsTotal.WithLabelValues(status).Inc()
}

// SetAIBridgeConnected updates the connection gauge.
func SetAIBridgeConnected(connected bool) {
	if connected {
		AIBridgeConnected.Set(1)
		return
	}
	AIBridgeConnected.Set(0)
}

// RecordEntitlementCheck records one entitlement decision.
func RecordEntitlementCheck(check string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	EntitlementChecksTotal.WithLabelValues(check, result).Inc()
}

// RecordSubscriptionFetch records a subscription fetch result
// ("active", "inactive", "none", "error", "no_token").
func RecordSubscriptionFetch(result string) {
	SubscriptionFetchesTotal.WithLabelValues(result).Inc()
}
