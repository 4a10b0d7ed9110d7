// Package grpchealth exposes the readiness of the server's ports over the
// standard grpc.health.v1 service.
package grpchealth

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/lexiqai/voice-server/internal/observability"
)

// Server reports one health service per port, named after its check, plus
// the overall "" service that is SERVING only when every port is.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]observability.HealthCheckFunc
	names    []string
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewServer creates a health server for checks. Statuses start as
// NOT_SERVING until the first Refresh.
func NewServer(checks map[string]observability.HealthCheckFunc, interval time.Duration, logger zerolog.Logger) *Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    30 * time.Second,
		Timeout: 5 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	sort.Strings(names)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		grpc:     gs,
		health:   hs,
		checks:   checks,
		names:    names,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.With().Str("component", "grpc_health").Logger(),
	}
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return s.grpc.Serve(lis)
}

// Refresh runs every check once and publishes the results
func (s *Server) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range s.names {
		status := healthpb.HealthCheckResponse_SERVING
		ok, err := s.checks[name](ctx)
		if err != nil || !ok {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			s.logger.Warn().Err(err).Str("port", name).Msg("Health check failed")
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Run refreshes the statuses every interval until ctx ends
func (s *Server) Run(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Stop marks everything NOT_SERVING and drains open streams
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
