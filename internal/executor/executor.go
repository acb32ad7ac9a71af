// Package executor defines the backend contract the orchestrator
// dispatches jobs through. Backends are interchangeable: an in-process
// worker pool, an external OS process per job, or a container per job.
package executor

import (
	"context"

	"trainjobs/internal/job"
)

// Phase is a backend's view of one submitted job.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Status is a point-in-time poll result for a submitted job.
type Status struct {
	Phase  Phase
	Result *job.Result // set when Phase is Succeeded
	Err    error       // set when Phase is Failed
}

// Outcome classifies a cancel request.
type Outcome string

const (
	// Acknowledged means the backend accepted the cancel and will stop
	// the job; actual termination is best-effort and asynchronous.
	Acknowledged Outcome = "acknowledged"
	// AlreadyTerminal means the job had already finished when the
	// cancel arrived.
	AlreadyTerminal Outcome = "already_terminal"
	// Unknown means the backend has no record of the handle.
	Unknown Outcome = "unknown"
)

// Handle identifies one submitted job within a backend.
type Handle interface {
	JobID() string
}

// EventSink receives job lifecycle and step events from a backend, so
// the orchestrator remains the single history writer. Implementations
// must be safe for concurrent use; callbacks must not block.
type EventSink interface {
	JobStarted(jobID string)
	StepStarted(jobID, step string, attempt int)
	StepRetrying(jobID, step string, attempt int, err error)
	StepFailed(jobID, step string, err error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) JobStarted(string)                       {}
func (NopSink) StepStarted(string, string, int)         {}
func (NopSink) StepRetrying(string, string, int, error) {}
func (NopSink) StepFailed(string, string, error)        {}

// Backend executes submitted jobs. All methods are safe for concurrent
// use.
type Backend interface {
	// Submit accepts a job for execution without blocking on capacity.
	// When the backend is at its concurrency bound it returns an error
	// matching apperrors.ErrSaturated; that is a backend condition, not
	// a job failure.
	Submit(ctx context.Context, spec job.Spec, jobID string) (Handle, error)

	// Poll reports the job's current phase. Polling a handle after its
	// terminal phase keeps returning the same terminal status.
	Poll(h Handle) Status

	// Cancel requests best-effort termination.
	Cancel(h Handle) Outcome

	// Ready reports whether the backend can accept work; feeds the
	// readiness probe.
	Ready(ctx context.Context) error

	// Close stops the backend and releases its resources.
	Close() error
}
