// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedMessagesTotal tracks messages delivered by the realtime feed.
	FeedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_feed_messages_total",
			Help: "Messages delivered by the realtime feed",
		},
		[]string{"phase"}, // snapshot or live
	)

	// FeedSubscriptionsActive tracks active feed subscriptions.
	FeedSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_feed_subscriptions_active",
			Help: "Number of active per-conversation feed subscriptions",
		},
	)

	// FeedReconnectsTotal tracks realtime connection reconnect attempts.
	FeedReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_feed_reconnects_total",
			Help: "Realtime feed reconnect attempts",
		},
	)

	// ToastsTotal tracks toast notifications by outcome.
	ToastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_toasts_total",
			Help: "Toast notifications by outcome",
		},
		[]string{"outcome"}, // shown, suppressed, deduplicated
	)

	// UnreadTotal tracks the aggregate unread badge value.
	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_unread_total",
			Help: "Aggregate unread message count across conversations",
		},
	)

	// ResyncsTotal tracks full resynchronization passes.
	ResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_resyncs_total",
			Help: "Full resynchronization passes by trigger",
		},
		[]string{"trigger"}, // manual, divergence, startup
	)

	// SSEConnected reports whether the server notification stream is up.
	SSEConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_sse_connected",
			Help: "1 if the server notification stream is connected",
		},
	)

	// SSEEventsTotal tracks events received on the notification stream.
	SSEEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sse_events_total",
			Help: "Events received on the server notification stream",
		},
		[]string{"event"},
	)

	// APIRequestDuration tracks marketplace API request duration.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "Marketplace API request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// RequestDuration tracks status server HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "Status server HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total status server HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total status server HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// RecordRequest records metrics for a status server HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAPIRequest records metrics for a marketplace API call.
func RecordAPIRequest(operation, status string, duration float64) {
	APIRequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// SetUnreadTotal records the aggregate unread badge value.
func SetUnreadTotal(total int) {
	UnreadTotal.Set(float64(total))
}
