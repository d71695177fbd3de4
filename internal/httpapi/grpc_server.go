package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gestor.app/internal/obs"
)

// GRPCHealth publishes readiness over the standard grpc.health.v1 service.
// Both the overall status ("") and serviceName follow the readiness checker.
type GRPCHealth struct {
	srv       *health.Server
	readiness readinessChecker
	log       zerolog.Logger
}

// NewGRPCServer builds a gRPC server exposing only the health service.
func NewGRPCServer(r readinessChecker, log zerolog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *GRPCHealth) {
	h := &GRPCHealth{srv: health.NewServer(), readiness: r, log: log}
	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, h.srv)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return server, h
}

// Refresh runs the readiness check once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Run refreshes readiness every interval until ctx is done, then marks the
// service as shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
