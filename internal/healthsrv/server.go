// Package healthsrv serves the standard gRPC health protocol for the
// generation engine and the service's backing stores.
package healthsrv

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ashureev/itinera/internal/generation"
	"github.com/ashureev/itinera/internal/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// EngineService is the health service name reported for the generation engine.
const EngineService = "itinera.Engine"

// Checker is the engine self-test.
type Checker interface {
	HealthCheck(ctx context.Context) generation.HealthStatus
}

// Probe checks one backing dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	engine  Checker
	probes  []Probe
	timeout time.Duration

	mu   sync.RWMutex
	last generation.HealthStatus
}

// New creates a health server. Statuses start as NOT_SERVING until the first
// Refresh.
func New(engine Checker, probes ...Probe) *Server {
	s := &Server{
		grpc: grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
		})),
		health:  health.NewServer(),
		engine:  engine,
		probes:  probes,
		timeout: 10 * time.Second,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(EngineService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh runs the engine self-test and the probes and publishes the result.
// A degraded engine still serves; the overall "" service also needs every
// probe to pass.
func (s *Server) Refresh(ctx context.Context) generation.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := s.engine.HealthCheck(ctx)
	engineStatus := healthpb.HealthCheckResponse_SERVING
	if status.Status == generation.StatusUnhealthy {
		engineStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}

	overall := engineStatus
	for _, p := range s.probes {
		if err := p.Check(ctx); err != nil {
			slog.Warn("Health probe failed", "probe", p.Name, "error", err)
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	s.health.SetServingStatus(EngineService, engineStatus)
	s.health.SetServingStatus("", overall)

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()

	slog.Debug("Health refreshed", "engine", status.Status, "overall", overall.String())
	return status
}

// Last returns the most recent engine status.
func (s *Server) Last() generation.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// StartRefresher refreshes immediately and then every interval until ctx is done.
func (s *Server) StartRefresher(ctx context.Context, interval time.Duration) <-chan struct{} {
	return worker.Start(ctx, worker.Job{
		Name:       "health-refresh",
		Interval:   interval,
		RunAtStart: true,
		Run:        func(ctx context.Context) { s.Refresh(ctx) },
	})
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
