package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service key reported for quotad.
	ServiceName = "quotaguard.v1.Quota"

	defaultCheckInterval = 5 * time.Second
	checkTimeout         = 2 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer publishes grpc.health.v1 status driven by store pings.
type HealthServer struct {
	pinger        Pinger
	health        *health.Server
	checkInterval time.Duration
	logger        *zap.Logger
}

// NewHealthServer constructs a HealthServer. A non-positive interval uses five seconds.
func NewHealthServer(pinger Pinger, checkInterval time.Duration, logger *zap.Logger) (*HealthServer, error) {
	if pinger == nil {
		return nil, errors.New("grpcserver: pinger is nil")
	}
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{pinger: pinger, health: healthServer, checkInterval: checkInterval, logger: logger}, nil
}

// Register attaches the health service to server.
func (server *HealthServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, server.health)
}

// Refresh pings the store once and updates the published status.
func (server *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := server.pinger.Ping(checkCtx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		server.logger.Warn("store ping failed", zap.Error(err))
	}
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
	return status
}

// Run serves gRPC health on listenAddr and pings the store until ctx ends.
func (server *HealthServer) Run(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	server.Register(grpcServer)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	server.Refresh(ctx)
	ticker := time.NewTicker(server.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			grpcServer.GracefulStop()
			if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		case serveErr := <-errCh:
			if errors.Is(serveErr, grpc.ErrServerStopped) {
				return nil
			}
			return serveErr
		case <-ticker.C:
			server.Refresh(ctx)
		}
	}
}
