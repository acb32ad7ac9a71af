// Package pipeline runs an ordered sequence of steps with per-step
// timeouts, retry policies and step-event callbacks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trainjobs/internal/retry"
)

// Step is one unit of work in a pipeline. Run must be idempotent if the
// step opts into retries (MaxAttempts > 1); the pipeline cannot verify
// this.
type Step struct {
	Name            string
	Timeout         time.Duration // per-attempt; 0 disables
	TimeoutTerminal bool          // fail the job on first expiry instead of retrying
	Retry           retry.Policy
	Run             func(ctx context.Context) error
}

// Observer receives step lifecycle events as they happen.
type Observer interface {
	StepStarted(step string, attempt int)
	StepRetrying(step string, attempt int, err error)
	StepFailed(step string, err error)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) StepStarted(string, int)         {}
func (NopObserver) StepRetrying(string, int, error) {}
func (NopObserver) StepFailed(string, error)        {}

// Pipeline is an ordered list of steps with an optional cleanup hook.
// Cleanup runs when any step fails or the context is cancelled, never
// on success; its errors are logged and do not override the original
// failure.
type Pipeline struct {
	Steps   []Step
	Cleanup func(ctx context.Context) error

	Logger *slog.Logger
}

// Run executes the steps in order, stopping at the first step whose
// retries are exhausted, whose error is terminal, or whose context is
// cancelled. The returned error wraps the failed step's name.
func (p *Pipeline) Run(ctx context.Context, obs Observer) error {
	if obs == nil {
		obs = NopObserver{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, step := range p.Steps {
		if err := p.runStep(ctx, step, obs); err != nil {
			obs.StepFailed(step.Name, err)
			p.cleanup(logger)
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, step Step, obs Observer) error {
	attempt := 0
	return retry.Execute(ctx, step.Retry, func(ctx context.Context) error {
		attempt++
		obs.StepStarted(step.Name, attempt)
		return p.runAttempt(ctx, step)
	}, func(attempt int, err error) {
		obs.StepRetrying(step.Name, attempt, err)
	})
}

func (p *Pipeline) runAttempt(ctx context.Context, step Step) error {
	if step.Timeout <= 0 {
		return step.Run(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	err := step.Run(attemptCtx)
	if err == nil {
		return nil
	}
	// Only the per-attempt deadline is reclassified; cancellation of
	// the parent context always stops the pipeline.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		timeoutErr := fmt.Errorf("timed out after %s: %w", step.Timeout, err)
		if step.TimeoutTerminal {
			return retry.Terminal(timeoutErr)
		}
		return retry.Transient(timeoutErr)
	}
	return err
}

func (p *Pipeline) cleanup(logger *slog.Logger) {
	if p.Cleanup == nil {
		return
	}
	// Cleanup gets a fresh context: the job's context is typically
	// already cancelled when cleanup runs.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Cleanup(cleanupCtx); err != nil {
		logger.Warn("pipeline cleanup failed", "error", err)
	}
}
