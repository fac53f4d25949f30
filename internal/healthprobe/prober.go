package healthprobe

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/logging"
)

// ServiceName is the gRPC health service that mirrors the inference backend.
const ServiceName = "inference"

const checkTimeout = 5 * time.Second

// Checker is the subset of inference.Client the prober needs.
type Checker interface {
	Health(ctx context.Context) (*inference.HealthStatus, error)
}

// Prober publishes the backend health check result on a gRPC health server.
type Prober struct {
	checker  Checker
	server   *health.Server
	interval time.Duration
	logger   *zap.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

func New(checker Checker, server *health.Server, interval time.Duration, logger *zap.Logger) *Prober {
	server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_UNKNOWN)
	return &Prober{
		checker:  checker,
		server:   server,
		interval: interval,
		logger:   logger.Named("healthprobe"),
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
}

// NewServer returns a gRPC server exposing the health service.
func NewServer(hs *health.Server) *grpc.Server {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// Check runs one backend health check and records the result.
func (p *Prober) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	report, err := p.checker.Health(ctx)
	switch {
	case err != nil:
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if status != p.last {
			p.logger.Warn("inference backend unhealthy",
				zap.Error(logging.NewOperationError("healthprobe.check", "", err)))
		}
	case !report.ModelLoaded:
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if status != p.last {
			p.logger.Warn("inference backend has no model loaded", zap.String("backend_status", report.Status))
		}
	}

	if status != p.last {
		p.logger.Info("inference health changed",
			zap.String("from", p.last.String()),
			zap.String("to", status.String()))
		p.last = status
	}
	p.server.SetServingStatus(ServiceName, status)
	return status
}

// Run checks immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
