package grpc

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	googlegrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-relay/internal/observability"
)

// ServiceName is the health service name reported for the relay.
const ServiceName = "chat-relay"

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// OpsServer serves grpc.health.v1 for load balancers and orchestrators.
type OpsServer struct {
	server *googlegrpc.Server
	health *health.Server
}

// NewOpsServer builds the server with metrics and tracing instrumentation.
func NewOpsServer() *OpsServer {
	srv := googlegrpc.NewServer(
		googlegrpc.StatsHandler(otelgrpc.NewServerHandler()),
		googlegrpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &OpsServer{server: srv, health: hs}
}

// SetServing flips the relay's reported status.
func (s *OpsServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Watch runs probe every interval and reports its result until ctx ends.
func (s *OpsServer) Watch(ctx context.Context, interval time.Duration, probe Probe) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(probeCtx)
		if err != nil {
			log.WithError(err).Warn("health probe failed")
		}
		s.SetServing(err == nil)
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

// Serve blocks serving on lis.
func (s *OpsServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight calls.
func (s *OpsServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
