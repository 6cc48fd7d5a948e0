// Package grpcserver exposes the standard gRPC health service, driven by database pings.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultCheckInterval = 10 * time.Second
	defaultPingTimeout   = 2 * time.Second
)

// Pinger reports whether a dependency answers.
type Pinger func(ctx context.Context) error

// HealthMonitor flips the overall serving status whenever the pinger result changes.
type HealthMonitor struct {
	server   *health.Server
	ping     Pinger
	interval time.Duration
	logger   *zap.Logger
	serving  bool
	checked  bool
}

// NewHealthMonitor starts NOT_SERVING until the first successful ping.
func NewHealthMonitor(ping Pinger, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := health.NewServer()
	server.SetServingStatus("", healthv1.HealthCheckResponse_NOT_SERVING)
	return &HealthMonitor{server: server, ping: ping, interval: interval, logger: logger}
}

// HealthServer returns the underlying health service.
func (monitor *HealthMonitor) HealthServer() *health.Server {
	return monitor.server
}

// Check pings once and updates the serving status.
func (monitor *HealthMonitor) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	var err error
	if monitor.ping != nil {
		err = monitor.ping(pingCtx)
	}
	serving := err == nil
	if monitor.checked && serving == monitor.serving {
		return serving
	}
	monitor.checked = true
	monitor.serving = serving
	if serving {
		monitor.server.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
		monitor.logger.Info("health serving")
		return true
	}
	monitor.server.SetServingStatus("", healthv1.HealthCheckResponse_NOT_SERVING)
	monitor.logger.Warn("health not serving", zap.Error(err))
	return false
}

// Run checks immediately and then on every interval until ctx is done. It is not safe to call Check concurrently.
func (monitor *HealthMonitor) Run(ctx context.Context) {
	monitor.Check(ctx)
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			monitor.server.Shutdown()
			return
		case <-ticker.C:
			monitor.Check(ctx)
		}
	}
}

// NewServer builds a grpc.Server with the health service registered.
func NewServer(monitor *HealthMonitor, options ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(options...)
	healthv1.RegisterHealthServer(server, monitor.HealthServer())
	return server
}

// Serve runs server on listener until ctx is done, then stops gracefully.
func Serve(ctx context.Context, server *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
