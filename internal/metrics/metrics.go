// Package metrics holds the Prometheus instruments shared by hlassist
// components. Recording is always safe; Init registers the instruments with
// the default registry so /metrics can expose them.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport metrics
	transportState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlassist_transport_state",
			Help: "Bridge transport state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hlassist_transport_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
	)

	malformedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlassist_malformed_messages_total",
			Help: "Inbound messages that failed to parse or validate",
		},
		[]string{"component"},
	)

	// Relay metrics
	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlassist_relay_envelopes_total",
			Help: "Envelopes handled by the relay",
		},
		[]string{"type", "direction"},
	)

	queuedBeforeReady = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hlassist_relay_queued_before_ready_total",
			Help: "Commands queued because the overlay was not ready",
		},
	)

	pendingTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlassist_pending_timeouts_total",
			Help: "Correlated requests that timed out",
		},
		[]string{"kind"},
	)

	// Bridge server metrics
	bridgeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlassist_bridge_connections",
			Help: "Open bridge websocket connections",
		},
	)

	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlassist_bridge_messages_total",
			Help: "Messages received by the bridge server",
		},
		[]string{"type"},
	)

	bridgeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlassist_bridge_http_request_duration_seconds",
			Help:    "Bridge HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	initOnce sync.Once
)

// Init registers all instruments with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			transportState,
			reconnectAttempts,
			malformedMessages,
			envelopesTotal,
			queuedBeforeReady,
			pendingTimeouts,
			bridgeConnections,
			bridgeMessages,
			bridgeRequestDuration,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetTransportState records the transport state as a numeric gauge.
func SetTransportState(state int) {
	transportState.Set(float64(state))
}

// RecordReconnectAttempt counts a scheduled reconnect.
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordMalformed counts an inbound message that failed to decode.
func RecordMalformed(component string) {
	malformedMessages.WithLabelValues(component).Inc()
}

// RecordEnvelope counts an envelope passing through the relay.
func RecordEnvelope(envType, direction string) {
	envelopesTotal.WithLabelValues(envType, direction).Inc()
}

// RecordQueued counts a command queued before READY.
func RecordQueued() {
	queuedBeforeReady.Inc()
}

// RecordTimeout counts a pending request timeout.
func RecordTimeout(kind string) {
	pendingTimeouts.WithLabelValues(kind).Inc()
}

// AddBridgeConnections adjusts the open connection gauge.
func AddBridgeConnections(delta int) {
	bridgeConnections.Add(float64(delta))
}

// RecordBridgeMessage counts an inbound bridge message.
func RecordBridgeMessage(msgType string) {
	bridgeMessages.WithLabelValues(msgType).Inc()
}

// RecordBridgeRequest records bridge HTTP request latency.
func RecordBridgeRequest(path string, duration time.Duration) {
	bridgeRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}
