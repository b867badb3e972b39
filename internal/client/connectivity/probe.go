package connectivity

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is anything with a cheap health call, such as the REST client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProber probes through a Pinger.
type PingProber struct {
	Pinger Pinger
}

func (p PingProber) Probe(ctx context.Context) error {
	return p.Pinger.Ping(ctx)
}

// GRPCProber asks a gRPC health service whether the sync service is serving.
type GRPCProber struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProber connects lazily to addr. Extra dial options are appended
// after insecure transport credentials.
func NewGRPCProber(addr, service string, opts ...grpc.DialOption) (*GRPCProber, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create health client for %s: %w", addr, err)
	}
	return &GRPCProber{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

func (p *GRPCProber) Probe(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", p.service, resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) Close() error {
	return p.conn.Close()
}
