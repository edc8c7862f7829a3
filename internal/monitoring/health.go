package monitoring

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported over the gRPC health protocol.
const HealthService = "turret"

// Health mirrors the safety state onto a standard gRPC health server so
// external watchdogs can check the turret without speaking its HTTP API.
type Health struct {
	srv *health.Server
}

// NewHealth returns a Health that reports NOT_SERVING until the first update.
func NewHealth() *Health {
	srv := health.NewServer()
	srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Health{srv: srv}
}

// SetSafe publishes SERVING while the system is safe and NOT_SERVING otherwise.
func (h *Health) SetSafe(safe bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if safe {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(HealthService, status)
}

// Check reports the current status for the turret service.
func (h *Health) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve runs a gRPC server exposing only the health service until ctx is done.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (h *Health) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		h.srv.Shutdown()
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
