// Package metrics holds the Prometheus collectors for the chat engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after an unexpected connection loss",
		},
	)

	AuthRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "auth_rejections_total",
			Help:      "Connections refused for authentication (close 4001/4003 or HTTP 401/403)",
		},
	)

	// 0 disconnected, 1 connecting, 2 connected, 3 reconnecting
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Current connection state",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by the connection manager",
		},
		[]string{"reason"},
	)

	// Messages
	MessagesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_applied_total",
			Help:      "Messages merged into the store",
		},
		[]string{"source"},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_confirm_failures_total",
			Help:      "Durable send confirmations that failed",
		},
	)

	ReceiptsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_receipts_sent_total",
			Help:      "Read receipts emitted for the active conversation",
		},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "event_handler_panics_total",
			Help:      "Session event handlers that panicked",
		},
		[]string{"event"},
	)

	// Conversation list
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "list_poll_cycles_total",
			Help:      "Fallback conversation list polls",
		},
		[]string{"status"},
	)

	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "list_refresh_duration_seconds",
			Help:      "Conversation list refresh duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
