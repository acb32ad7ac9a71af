package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	if !b.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatal("expected breaker to stay closed below threshold")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected breaker to open at threshold")
	}
	if b.Allow() {
		t.Error("expected open breaker to block")
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected failures to reset on success")
	}
	if b.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", b.Failures())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 5 * time.Millisecond})

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected open breaker to block before cooldown")
	}

	time.Sleep(10 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("State() = %s, want half-open", b.State())
	}
	// Only one probe in flight.
	if b.Allow() {
		t.Error("expected second probe to be blocked")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Error("expected successful probe to close the circuit")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 5 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Error("expected failed probe to reopen the circuit")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	a := r.Get("host-a")
	if got := r.Get("host-a"); got != a {
		t.Error("expected same breaker for same key")
	}
	if got := r.Get("host-b"); got == a {
		t.Error("expected distinct breakers per key")
	}

	a.RecordFailure()
	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
