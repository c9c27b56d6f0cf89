// Package metrics exposes the broker's Prometheus instrumentation. All
// collectors are package-level and registered once at init, so callers
// record through plain functions without holding a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connections_active",
		Help: "Current number of live sessions",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_received_total",
		Help: "Total envelopes received from clients",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_sent_total",
		Help: "Total envelopes written to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_bytes_sent_total",
		Help: "Total bytes written to clients",
	})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_requests_total",
		Help: "Requests dispatched, by opcode",
	}, []string{"type"})

	requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_request_errors_total",
		Help: "Requests answered with an ERROR envelope, by opcode",
	}, []string{"type"})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_subscriptions_active",
		Help: "Current number of (session, pattern) subscription entries",
	})

	updatesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_subscription_updates_sent_total",
		Help: "SUBSCRIPTION_UPDATE envelopes queued to subscribers",
	})

	updatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_subscription_updates_dropped_total",
		Help: "SUBSCRIPTION_UPDATE envelopes dropped because a subscriber's send buffer was full",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_rate_limited_messages_total",
		Help: "Inbound envelopes rejected by per-session rate limiting",
	})

	keepAliveTerminations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_keepalive_terminations_total",
		Help: "Sessions terminated by the liveness sweeper",
	})

	storageOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_storage_operations_total",
		Help: "Storage adapter calls, by adapter and operation",
	}, []string{"adapter", "operation"})

	storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_storage_errors_total",
		Help: "Storage adapter calls that returned an error, by adapter",
	}, []string{"adapter"})

	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_nats_connected",
		Help: "Host-bridge NATS connection status (1=connected, 0=down)",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		messagesReceived,
		messagesSent,
		bytesReceived,
		bytesSent,
		requestsTotal,
		requestErrors,
		subscriptionsActive,
		updatesSent,
		updatesDropped,
		rateLimitedMessages,
		keepAliveTerminations,
		storageOperations,
		storageErrors,
		natsConnected,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	connectionsActive.Dec()
}

// ConnectionRejected records a refused connection attempt. reason is one of
// "capacity" or "rate_limit".
func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func MessageReceived(bytes int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(bytes))
}

func MessageSent(bytes int) {
	messagesSent.Inc()
	bytesSent.Add(float64(bytes))
}

func RequestDispatched(requestType string) {
	requestsTotal.WithLabelValues(requestType).Inc()
}

func RequestFailed(requestType string) {
	requestErrors.WithLabelValues(requestType).Inc()
}

func SubscriptionsActive(n int) {
	subscriptionsActive.Set(float64(n))
}

func UpdateSent() {
	updatesSent.Inc()
}

func UpdateDropped() {
	updatesDropped.Inc()
}

func RateLimited() {
	rateLimitedMessages.Inc()
}

func KeepAliveTermination() {
	keepAliveTerminations.Inc()
}

func StorageOperation(adapter, operation string) {
	storageOperations.WithLabelValues(adapter, operation).Inc()
}

func StorageError(adapter string) {
	storageErrors.WithLabelValues(adapter).Inc()
}

func SetNATSConnected(connected bool) {
	if connected {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}
