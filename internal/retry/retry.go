// Package retry provides bounded retry with exponential backoff and
// transient/terminal error classification.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy controls how a single operation is retried. Zero values use
// defaults.
type Policy struct {
	MaxAttempts    int           // default: 3
	InitialBackoff time.Duration // default: 100ms
	MaxBackoff     time.Duration // default: 5s
	Multiplier     float64       // default: 2.0
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff before retrying after attempt n (1-based):
// initial for attempt 1, growing by the multiplier, capped at max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.InitialBackoff
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// classified wraps an error with an explicit retry classification.
type classified struct {
	err       error
	transient bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: true}
}

// Terminal marks an error as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: false}
}

// IsTransient reports whether the error is marked retryable.
// Unclassified errors are terminal: steps opt into retries explicitly.
func IsTransient(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.transient
	}
	return false
}

// Execute runs fn up to MaxAttempts times, sleeping between attempts.
// Only transient errors are retried; terminal errors, context
// cancellation and attempt exhaustion return immediately. onRetry, if
// non-nil, is invoked before each backoff sleep with the failed attempt
// number and its error.
func Execute(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == p.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
