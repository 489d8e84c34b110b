package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/baaaht/msgplane/internal/logger"
)

func newTestHealth(t *testing.T) *HealthServer {
	t.Helper()
	hs, err := NewHealthServer(logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create health server: %v", err)
	}
	return hs
}

func check(t *testing.T, hs *HealthServer, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", service, err)
	}
	return resp.Status
}

func TestHealth(t *testing.T) {
	t.Run("NotServingUntilStarted", func(t *testing.T) {
		hs := newTestHealth(t)
		for _, service := range []string{"", PlaneService} {
			if got := check(t, hs, service); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
				t.Errorf("Check(%q) = %v, want NOT_SERVING", service, got)
			}
		}
	})

	t.Run("SetServing", func(t *testing.T) {
		hs := newTestHealth(t)
		hs.SetServing()
		for _, service := range []string{"", PlaneService} {
			if got := check(t, hs, service); got != grpc_health_v1.HealthCheckResponse_SERVING {
				t.Errorf("Check(%q) = %v, want SERVING", service, got)
			}
		}
		if !hs.IsServing(PlaneService) {
			t.Error("Expected IsServing to be true")
		}
	})

	t.Run("UnknownService", func(t *testing.T) {
		hs := newTestHealth(t)
		_, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "nope"})
		if status.Code(err) != codes.NotFound {
			t.Fatalf("Expected NotFound, got %v", err)
		}
		if got := hs.GetStatus("nope"); got != grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN {
			t.Errorf("GetStatus = %v, want SERVICE_UNKNOWN", got)
		}
	})

	t.Run("ShutdownIsFinal", func(t *testing.T) {
		hs := newTestHealth(t)
		hs.SetServing()
		hs.Shutdown()
		hs.Shutdown()
		hs.SetServing()

		for _, service := range []string{"", PlaneService} {
			if got := check(t, hs, service); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
				t.Errorf("Check(%q) = %v, want NOT_SERVING", service, got)
			}
		}
	})
}
