package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests processed by the relay.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ws_active_connections",
			Help: "Number of live websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_events_total",
			Help: "Total number of websocket lifecycle and client events.",
		},
		[]string{"event"},
	)
	messagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Messages accepted into the ledger.",
		},
	)
	sendsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sends_rejected_total",
			Help: "Sends refused before persistence.",
		},
		[]string{"reason"},
	)
	deliveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_transitions_total",
			Help: "Delivery record state transitions.",
		},
		[]string{"state"},
	)
	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pushes_total",
			Help: "Pushes to live channels by outcome.",
		},
		[]string{"event", "result"},
	)
	backlogReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_backlog_replayed_total",
			Help: "Backlog entries pushed on reconnect.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Events dropped because the publish queue was full or closed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		messagesSentTotal,
		sendsRejectedTotal,
		deliveryTransitionsTotal,
		pushesTotal,
		backlogReplayedTotal,
		amqpPublishErrorsTotal,
		eventsDroppedTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

func IncMessageSent() { messagesSentTotal.Inc() }

func IncSendRejected(reason string) { sendsRejectedTotal.WithLabelValues(reason).Inc() }

func IncTransition(state string) { deliveryTransitionsTotal.WithLabelValues(state).Inc() }

// ObservePush counts one push attempt of the given event type.
func ObservePush(event string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	pushesTotal.WithLabelValues(event, result).Inc()
}

func IncBacklogReplayed() { backlogReplayedTotal.Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }

func IncEventDropped() { eventsDroppedTotal.Inc() }
