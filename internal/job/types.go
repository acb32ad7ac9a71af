// Package job defines the training job data model shared by the
// orchestrator, the executor backends and the HTTP API.
package job

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

// Lifecycle states. Completed, Failed and Cancelled are terminal.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is absorbing: once reached, the
// record never transitions again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Schema describes the dataset columns a training job operates on.
type Schema struct {
	Inputs []string `json:"inputs"`
	Target string   `json:"target"`
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Spec is the immutable description of a training job. Key is the
// logical identity under admission control: at most one non-terminal
// job may exist per key.
type Spec struct {
	Key           string    `json:"key"`
	DatasetPath   string    `json:"datasetPath"`
	Schema        Schema    `json:"schema"`
	CPU           float64   `json:"cpu,omitempty"`
	BudgetSeconds int       `json:"budgetSeconds,omitempty"`
	Callback      *Callback `json:"callback,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ErrorDetail is the structured failure carried by a Failed job.
type ErrorDetail struct {
	Class   string `json:"class"` // "transient", "terminal" or "backend_fault"
	Message string `json:"message"`
}

// Result is the outcome of a finished job: an artifact on success,
// an error detail on failure.
type Result struct {
	ArtifactPath string             `json:"artifactPath,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Err          *ErrorDetail       `json:"error,omitempty"`
}

// Response represents the response when a job is accepted
type Response struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Status string `json:"status"` // "accepted"
}

// Status is the externally visible view of a job record.
type Status struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	State     State      `json:"state"`
	QueuedAt  time.Time  `json:"queuedAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Result    *Result    `json:"result,omitempty"`
}

// NewID mints a unique job id for one submission.
func NewID() string {
	return uuid.NewString()
}
