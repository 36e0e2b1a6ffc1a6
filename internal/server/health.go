package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Liveness reports whether frames are being produced.
type Liveness interface {
	Running() bool
}

// Health publishes the gRPC health status. The detector service is SERVING
// while the capture process runs.
type Health struct {
	srv  *health.Server
	live Liveness
}

// NewHealth creates a health publisher in the NOT_SERVING state.
func NewHealth(live Liveness) *Health {
	h := &Health{srv: health.NewServer(), live: live}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer creates a gRPC server exposing h.
func NewGRPCServer(h *Health) *grpc.Server {
	g := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	healthpb.RegisterHealthServer(g, h.srv)
	return g
}

// Update refreshes the status from the liveness source and returns it.
func (h *Health) Update() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if h.live != nil && h.live.Running() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.set(st)
	return st
}

// Run updates the status every interval until ctx is cancelled, then marks
// every service NOT_SERVING.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = HealthPollInterval
	}
	h.Update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Update()
		}
	}
}

// Check answers a health check for service ("" is the whole server).
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(HealthServiceName, st)
}
