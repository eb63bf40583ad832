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
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
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
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_rooms",
			Help: "Number of rooms with at least one member.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events by outcome.",
		},
		[]string{"event", "outcome"},
	)
	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Total number of fan-outs by scope.",
		},
		[]string{"scope"},
	)
	broadcastRecipients = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_broadcast_recipients",
			Help:    "Number of local connections reached per fan-out.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"scope"},
	)
	slowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_ws_slow_consumers_total",
			Help: "Total number of connections dropped for a full send buffer.",
		},
	)
	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_gateway_duration_seconds",
			Help:    "Persistence gateway call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	gatewayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_errors_total",
			Help: "Total number of failed persistence gateway calls.",
		},
		[]string{"op"},
	)
	relayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Total number of cross-node relay messages.",
		},
		[]string{"direction"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsActiveRooms,
		wsEventsTotal,
		broadcastsTotal,
		broadcastRecipients,
		slowConsumersTotal,
		gatewayDuration,
		gatewayErrorsTotal,
		relayMessagesTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
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

func SetWSGauges(conns, rooms int) {
	wsActiveConnections.Set(float64(conns))
	wsActiveRooms.Set(float64(rooms))
}

func IncWSEvent(event, outcome string) {
	wsEventsTotal.WithLabelValues(event, outcome).Inc()
}

func ObserveBroadcast(scope string, recipients int) {
	broadcastsTotal.WithLabelValues(scope).Inc()
	broadcastRecipients.WithLabelValues(scope).Observe(float64(recipients))
}

func IncSlowConsumer() {
	slowConsumersTotal.Inc()
}

func ObserveGatewayCall(op string, started time.Time, err error) {
	gatewayDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		gatewayErrorsTotal.WithLabelValues(op).Inc()
	}
}

func IncRelay(direction string) {
	relayMessagesTotal.WithLabelValues(direction).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
