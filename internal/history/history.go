// Package history persists the append-only per-job event log.
package history

// Event names recorded in a job's history. The set is closed: consumers
// may rely on never seeing other values.
const (
	EventQueued          = "queued"
	EventRunning         = "running"
	EventStepStarted     = "step_started"
	EventStepRetrying    = "step_retrying"
	EventStepFailed      = "step_failed"
	EventFinished        = "finished"
	EventFailed          = "failed"
	EventCancelRequested = "cancel_requested"
	EventCancelled       = "cancelled"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Details   map[string]any `json:"details,omitempty"`
}
