package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket sessions",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted",
	})
	FanoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_events_total",
		Help: "Total number of events delivered to sessions via fan-out",
	})
	DroppedSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_sessions_total",
		Help: "Sessions force-closed because their outbound buffer was full",
	})
	IntegrityFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_integrity_failures_total",
		Help: "Messages rejected because the content hash did not match",
	})
	ReceiptTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_receipt_transitions_total",
		Help: "Delivery receipt transitions by target status",
	}, []string{"status"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, MessagesTotal, FanoutTotal, DroppedSessionsTotal,
		IntegrityFailuresTotal, ReceiptTransitionsTotal,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
