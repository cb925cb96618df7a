package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RecommendServiceName is the service name reported by the gRPC health endpoint.
const RecommendServiceName = "imaging.rag.Recommend"

// HealthServer exposes the standard grpc.health.v1 service for load balancers and orchestrators.
type HealthServer struct {
	port   int
	server *grpc.Server
	health *health.Server
	check  HealthFunc
	logger *logrus.Logger
}

// NewHealthServer creates the gRPC health endpoint. check, when set, is polled to update serving status.
func NewHealthServer(port int, check HealthFunc, logger *logrus.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	h := &HealthServer{port: port, server: srv, health: hs, check: check, logger: logger}
	h.SetServing(true)
	return h
}

// SetServing flips both the overall and the recommend service status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(RecommendServiceName, status)
}

// Refresh runs the dependency check once and updates the serving status.
func (h *HealthServer) Refresh(ctx context.Context) {
	if h.check == nil {
		return
	}
	serving := true
	for component, msg := range h.check(ctx) {
		if msg != "" {
			serving = false
			h.logger.WithFields(logrus.Fields{"component": component, "error": msg}).Warn("Dependency unhealthy")
		}
	}
	h.SetServing(serving)
}

// Serve serves on lis until ctx is cancelled, refreshing status every interval.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.server.Serve(lis) }()

	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			h.Refresh(ctx)
		case <-ctx.Done():
			h.health.Shutdown()
			h.server.GracefulStop()
			return nil
		}
	}
}

// Start listens on the configured port.
func (h *HealthServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("failed to listen for grpc health: %w", err)
	}
	h.logger.WithField("port", h.port).Info("gRPC health server listening")
	return h.Serve(ctx, lis, 0)
}
