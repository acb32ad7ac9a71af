package health

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	err error
}

func (b *fakeBackend) Ready(ctx context.Context) error { return b.err }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoBackend(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	backendCheck, ok := response.Checks["backend"]
	if !ok {
		t.Fatal("Expected backend check to be present")
	}
	if backendCheck.Status != StatusUnhealthy {
		t.Errorf("Expected backend check to be unhealthy, got %s", backendCheck.Status)
	}
}

func TestChecker_Readiness_BackendReady(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeBackend{})

	response := checker.Readiness(context.Background())

	if !response.IsHealthy() {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_BackendDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeBackend{err: errors.New("docker daemon unreachable")})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if msg := response.Checks["backend"].Message; msg != "docker daemon unreachable" {
		t.Errorf("Expected backend error message, got %q", msg)
	}
}

func TestChecker_Readiness_CachesResult(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	checker := NewChecker(backend)

	if resp := checker.Readiness(context.Background()); !resp.IsHealthy() {
		t.Fatalf("Expected healthy, got %s", resp.Status)
	}

	// Fresh failures are masked while the cache is warm.
	backend.err = errors.New("backend went away")
	if resp := checker.Readiness(context.Background()); !resp.IsHealthy() {
		t.Errorf("Expected cached healthy result, got %s", resp.Status)
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakeBackend{})

	if resp := checker.Readiness(context.Background()); !resp.IsHealthy() {
		t.Fatalf("Expected healthy before shutdown, got %s", resp.Status)
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
