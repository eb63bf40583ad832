package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/observability"
)

// ServiceName is the health service name reported for the chat subsystem.
const ServiceName = "chat.realtime"

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// HealthServer exposes grpc.health.v1 for the service, driven by a
// storage probe.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer builds an instrumented gRPC server with the health
// service registered. Both the overall and the chat service start
// NOT_SERVING until the first successful probe.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return &HealthServer{server: server, health: hs, logger: logger}
}

// SetServing flips both service entries.
func (s *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch runs probe every interval until ctx is done and mirrors the
// result into the health status.
func (s *HealthServer) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	healthy := false
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		err := probe(probeCtx)
		cancel()
		if ok := err == nil; ok != healthy {
			healthy = ok
			s.logger.Info("health status changed", zap.Bool("serving", ok), zap.Error(err))
		}
		s.SetServing(healthy)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Serve blocks serving lis until ctx is done, then stops gracefully.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()
	return s.server.Serve(lis)
}
