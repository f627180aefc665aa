// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WSConnectionsActive tracks open, authenticated socket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	// WSEventsTotal tracks inbound socket events by type.
	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Total inbound WebSocket events",
		},
		[]string{"event"},
	)

	// WSAuthFailuresTotal tracks rejected socket handshakes.
	WSAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_auth_failures_total",
			Help: "Total WebSocket handshakes rejected by the identity verifier",
		},
	)

	// MessagesSentTotal tracks persisted messages by the surface that created them.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"transport"},
	)

	// StoreOperationDuration tracks message store latency.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Message store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)
)

// ObserveStore records the duration of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordEvent counts an inbound socket event.
func RecordEvent(event string) {
	WSEventsTotal.WithLabelValues(event).Inc()
}

// RecordMessageSent counts a persisted message.
func RecordMessageSent(transport string) {
	MessagesSentTotal.WithLabelValues(transport).Inc()
}
