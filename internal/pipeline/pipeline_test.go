package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trainjobs/internal/retry"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) StepStarted(step string, attempt int) {
	r.record(fmt.Sprintf("started:%s:%d", step, attempt))
}

func (r *recordingObserver) StepRetrying(step string, attempt int, err error) {
	r.record(fmt.Sprintf("retrying:%s:%d", step, attempt))
}

func (r *recordingObserver) StepFailed(step string, err error) {
	r.record(fmt.Sprintf("failed:%s", step))
}

func (r *recordingObserver) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func fastRetry(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func assertEvents(t *testing.T, obs *recordingObserver, expected []string) {
	t.Helper()
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.events) != len(expected) {
		t.Fatalf("expected events %v, got %v", expected, obs.events)
	}
	for i, e := range expected {
		if obs.events[i] != e {
			t.Fatalf("event %d: expected %v, got %v", i, expected, obs.events)
		}
	}
}

func TestRunAllStepsSucceed(t *testing.T) {
	t.Parallel()
	var order []string
	p := &Pipeline{
		Steps: []Step{
			{Name: "validate", Retry: fastRetry(1), Run: func(ctx context.Context) error {
				order = append(order, "validate")
				return nil
			}},
			{Name: "train", Retry: fastRetry(1), Run: func(ctx context.Context) error {
				order = append(order, "train")
				return nil
			}},
		},
	}

	obs := &recordingObserver{}
	if err := p.Run(context.Background(), obs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "validate" || order[1] != "train" {
		t.Errorf("unexpected step order: %v", order)
	}
	assertEvents(t, obs, []string{"started:validate:1", "started:train:1"})
}

func TestRunRetriesTransientStep(t *testing.T) {
	t.Parallel()
	calls := 0
	p := &Pipeline{
		Steps: []Step{
			{Name: "load_data", Retry: fastRetry(3), Run: func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return retry.Transient(errors.New("io hiccup"))
				}
				return nil
			}},
		},
	}

	obs := &recordingObserver{}
	if err := p.Run(context.Background(), obs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEvents(t, obs, []string{
		"started:load_data:1",
		"retrying:load_data:1",
		"started:load_data:2",
		"retrying:load_data:2",
		"started:load_data:3",
	})
}

func TestRunStopsAtTerminalError(t *testing.T) {
	t.Parallel()
	secondRan := false
	cleanupRan := false
	p := &Pipeline{
		Steps: []Step{
			{Name: "validate", Retry: fastRetry(3), Run: func(ctx context.Context) error {
				return retry.Terminal(errors.New("target column missing"))
			}},
			{Name: "train", Retry: fastRetry(1), Run: func(ctx context.Context) error {
				secondRan = true
				return nil
			}},
		},
		Cleanup: func(ctx context.Context) error {
			cleanupRan = true
			return nil
		},
	}

	obs := &recordingObserver{}
	err := p.Run(context.Background(), obs)
	if err == nil {
		t.Fatal("expected error")
	}
	if secondRan {
		t.Error("expected later steps to be skipped after failure")
	}
	if !cleanupRan {
		t.Error("expected cleanup to run on failure")
	}
	assertEvents(t, obs, []string{"started:validate:1", "failed:validate"})
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	calls := 0
	p := &Pipeline{
		Steps: []Step{
			{Name: "train", Retry: fastRetry(2), Run: func(ctx context.Context) error {
				calls++
				return retry.Transient(errors.New("still flaky"))
			}},
		},
	}

	err := p.Run(context.Background(), &recordingObserver{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestRunCleanupErrorDoesNotOverrideFailure(t *testing.T) {
	t.Parallel()
	cause := errors.New("train blew up")
	p := &Pipeline{
		Steps: []Step{
			{Name: "train", Retry: fastRetry(1), Run: func(ctx context.Context) error {
				return retry.Terminal(cause)
			}},
		},
		Cleanup: func(ctx context.Context) error {
			return errors.New("cleanup also failed")
		},
	}

	err := p.Run(context.Background(), nil)
	if !errors.Is(err, cause) {
		t.Errorf("expected original failure to surface, got %v", err)
	}
}

func TestRunStepTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	p := &Pipeline{
		Steps: []Step{
			{Name: "train", Timeout: 5 * time.Millisecond, Retry: fastRetry(2), Run: func(ctx context.Context) error {
				calls++
				if calls == 1 {
					<-ctx.Done()
					return ctx.Err()
				}
				return nil
			}},
		},
	}

	if err := p.Run(context.Background(), &recordingObserver{}); err != nil {
		t.Fatalf("expected timeout to be retried, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestRunStepTimeoutTerminal(t *testing.T) {
	t.Parallel()
	calls := 0
	p := &Pipeline{
		Steps: []Step{
			{Name: "train", Timeout: 5 * time.Millisecond, TimeoutTerminal: true, Retry: fastRetry(3), Run: func(ctx context.Context) error {
				calls++
				<-ctx.Done()
				return ctx.Err()
			}},
		},
	}

	err := p.Run(context.Background(), &recordingObserver{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt for a terminal timeout, got %d", calls)
	}
}

func TestRunContextCancelledStopsPipeline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cleanupRan := false
	p := &Pipeline{
		Steps: []Step{
			{Name: "train", Retry: fastRetry(5), Run: func(ctx context.Context) error {
				cancel()
				<-ctx.Done()
				return ctx.Err()
			}},
		},
		Cleanup: func(ctx context.Context) error {
			cleanupRan = true
			return nil
		},
	}

	err := p.Run(ctx, &recordingObserver{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !cleanupRan {
		t.Error("expected cleanup to run on cancellation")
	}
}
