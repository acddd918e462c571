package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the connection gateway.
// Scraped via /metrics and visualized in Grafana.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections admitted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	AdmissionsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_admissions_denied_total",
		Help: "Connection admissions denied, by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Circuit breaker metrics
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_breaker_transitions_total",
		Help: "Circuit breaker state transitions, by target state",
	}, []string{"state"})

	BreakersOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_breakers_open",
		Help: "Number of origins with an open circuit breaker",
	})

	// Message metrics
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	// Router metrics
	MessagesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_queued_total",
		Help: "Messages enqueued for the background drain cycle",
	})

	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_queue_evictions_total",
		Help: "Low-priority messages evicted from full per-connection queues",
	})

	QueueRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_queue_rejections_total",
		Help: "Messages rejected because a full queue had no evictable entry",
	})

	MessageRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_message_retries_total",
		Help: "Queued message executions retried after failure",
	})

	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_dropped_total",
		Help: "Queued messages dropped after exhausting retries",
	})

	// Health / lifecycle metrics
	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_evictions_total",
		Help: "Connections evicted by the gateway, by cause",
	}, []string{"cause"})

	HeartbeatTerminations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_heartbeat_terminations_total",
		Help: "Connections terminated for missing heartbeat responses",
	})

	LoadShedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_load_shed_total",
		Help: "Connections closed by memory-pressure load shedding",
	})

	RoundTripLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_round_trip_seconds",
		Help:    "Ping/pong round-trip latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Storage sink metrics
	StoragePublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_storage_publishes_total",
		Help: "Fire-and-forget storage publishes, by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsMax,
		AdmissionsDenied,
		DisconnectsTotal,
		BreakerTransitions,
		BreakersOpen,
		MessagesReceived,
		MessagesSent,
		BytesReceived,
		BytesSent,
		MessagesQueued,
		QueueEvictions,
		QueueRejections,
		MessageRetries,
		MessagesDropped,
		EvictionsTotal,
		HeartbeatTerminations,
		LoadShedTotal,
		RoundTripLatency,
		StoragePublishes,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
