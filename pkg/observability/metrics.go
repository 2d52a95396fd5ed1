package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_messages_total",
			Help: "Total number of envelopes dispatched to handlers",
		},
		[]string{"agent_type", "kind", "status"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_type"},
	)

	handlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_handler_failures_total",
			Help: "Total number of isolated publish-side handler failures",
		},
		[]string{"agent_type", "message_type"},
	)

	pendingEnvelopes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_pending_envelopes",
			Help: "Number of envelopes queued or in flight",
		},
	)

	// Relay metrics
	relayFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_relay_frames_total",
			Help: "Total number of relay frames by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	connectedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_connected_workers",
			Help: "Number of workers currently connected to the host",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the agentbus metric families. Safe to call more
// than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal,
			handlerDuration,
			handlerFailuresTotal,
			pendingEnvelopes,
			relayFramesTotal,
			connectedWorkers,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDelivery counts one dispatched envelope. kind is "send" or
// "publish"; status is "ok" or "error".
func RecordDelivery(agentType, kind, status string) {
	messagesTotal.WithLabelValues(agentType, kind, status).Inc()
}

// ObserveHandlerDuration records how long one handler invocation took.
func ObserveHandlerDuration(agentType string, duration time.Duration) {
	handlerDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordHandlerFailure counts one isolated publish-side handler failure.
func RecordHandlerFailure(agentType, messageType string) {
	handlerFailuresTotal.WithLabelValues(agentType, messageType).Inc()
}

// SetPendingEnvelopes sets the pending envelope gauge.
func SetPendingEnvelopes(count float64) {
	pendingEnvelopes.Set(count)
}

// RecordRelayFrame counts one relay frame. direction is "in" or "out" from
// the perspective of the recording process.
func RecordRelayFrame(kind, direction string) {
	relayFramesTotal.WithLabelValues(kind, direction).Inc()
}

// SetConnectedWorkers sets the connected worker gauge.
func SetConnectedWorkers(count int) {
	connectedWorkers.Set(float64(count))
}
