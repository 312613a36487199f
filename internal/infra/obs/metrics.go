package obs

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supportchat_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_messages_sent_total",
		Help: "Messages appended, by sender role and transport.",
	}, []string{"role", "transport"})

	RoomsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_rooms_closed_total",
		Help: "Rooms closed by staff.",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_realtime_subscriptions",
		Help: "Live notifier subscriptions on this node.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_ws_connections",
		Help: "Open WebSocket connections.",
	})

	RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_relay_failures_total",
		Help: "Cross-node relay failures by driver and stage.",
	}, []string{"driver", "stage"})

	TranscriptsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_transcripts_archived_total",
		Help: "Room transcripts exported on close, by outcome.",
	}, []string{"outcome"})
)

// TrackSubscriptions adapts the subscriptions gauge to the hub's observer hook.
func TrackSubscriptions(delta int) {
	Subscriptions.Add(float64(delta))
}

// MetricsHandler serves the Prometheus registry.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
