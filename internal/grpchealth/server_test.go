package grpchealth

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lexiqai/voice-server/internal/observability"
)

func startServer(t *testing.T, checks map[string]observability.HealthCheckFunc) (*Server, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(checks, time.Minute, zerolog.Nop())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, dialer
}

func probe(t *testing.T, dialer grpc.DialOption, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	status, err := Probe(ctx, "passthrough:///bufnet", service, dialer)
	if err != nil {
		t.Fatalf("Probe(%q) failed: %v", service, err)
	}
	return status
}

func TestHealthPerPort(t *testing.T) {
	healthy := func(context.Context) (bool, error) { return true, nil }
	failing := func(context.Context) (bool, error) { return false, errors.New("connection refused") }

	srv, dialer := startServer(t, map[string]observability.HealthCheckFunc{
		"transcription": healthy,
		"generation":    failing,
		"synthesis":     healthy,
	})

	if got := probe(t, dialer, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING before the first refresh, got %v", got)
	}

	srv.Refresh(context.Background())

	tests := []struct {
		service string
		want    healthpb.HealthCheckResponse_ServingStatus
	}{
		{"transcription", healthpb.HealthCheckResponse_SERVING},
		{"synthesis", healthpb.HealthCheckResponse_SERVING},
		{"generation", healthpb.HealthCheckResponse_NOT_SERVING},
		{"", healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		if got := probe(t, dialer, tt.service); got != tt.want {
			t.Errorf("Service %q: expected %v, got %v", tt.service, tt.want, got)
		}
	}
}

func TestHealthAllServing(t *testing.T) {
	healthy := func(context.Context) (bool, error) { return true, nil }
	srv, dialer := startServer(t, map[string]observability.HealthCheckFunc{
		"transcription": healthy,
		"generation":    healthy,
	})
	srv.Refresh(context.Background())

	if got := probe(t, dialer, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", got)
	}
}

func TestProbeUnknownService(t *testing.T) {
	_, dialer := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := Probe(ctx, "passthrough:///bufnet", "nope", dialer); err == nil {
		t.Error("Expected error for unknown service")
	}
}
