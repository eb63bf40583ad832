package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealth(t *testing.T) (*HealthServer, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewHealthServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func status(client healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

func TestHealthStartsNotServing(t *testing.T) {
	srv, client := startHealth(t)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(client))

	srv.SetServing(true)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, status(client))
}

func TestWatchFollowsProbe(t *testing.T) {
	srv, client := startHealth(t)
	var failing atomic.Bool
	probe := func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Watch(ctx, probe, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return status(client) == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	failing.Store(true)
	require.Eventually(t, func() bool {
		return status(client) == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)
}
