package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingProber(t *testing.T) {
	ok := PingProber{Pinger: pingerFunc(func(context.Context) error { return nil })}
	require.NoError(t, ok.Probe(context.Background()))

	down := PingProber{Pinger: pingerFunc(func(context.Context) error { return errors.New("down") })}
	require.Error(t, down.Probe(context.Background()))
}

func TestGRPCProber(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	p, err := NewGRPCProber("passthrough:///bufnet", "possync.Sync",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	hs.SetServingStatus("possync.Sync", healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, p.Probe(context.Background()))

	hs.SetServingStatus("possync.Sync", healthpb.HealthCheckResponse_NOT_SERVING)
	err = p.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_SERVING")

	m := NewMonitor(p, WithInitialStatus(true))
	assert.False(t, m.Probe(context.Background()))
}
