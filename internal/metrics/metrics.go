// Package metrics holds the Prometheus collectors shared by the SMTP
// gateway, the archive store and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTPSessions counts accepted SMTP connections.
	SMTPSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtp_sink_sessions_total",
			Help: "Total number of SMTP sessions accepted",
		},
	)

	// MessagesReceived counts DATA transactions by outcome.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_sink_messages_total",
			Help: "Total number of messages received over SMTP",
		},
		[]string{"status"}, // stored, decode_failed, store_failed, too_large, aborted
	)

	// StoreOpDuration observes archive store latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtp_sink_store_op_duration_seconds",
			Help:    "Archive store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	// HTTPRequestDuration observes API latency. Long-lived routes are included.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtp_sink_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)

	// LiveViewers is the number of connected live HTML viewers.
	LiveViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtp_sink_live_viewers",
			Help: "Number of connected live viewers",
		},
	)
)

// IncrementMessages records the outcome of a DATA transaction.
func IncrementMessages(status string) {
	MessagesReceived.WithLabelValues(status).Inc()
}

// RecordStoreOp records the duration of a store operation started at start.
func RecordStoreOp(operation string, start time.Time) {
	StoreOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordHTTPRequest records the duration of an HTTP request.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
