// Package cloudevent provides CloudEvents 1.0 types and HTTP delivery.
package cloudevent

import "time"

// Event type prefix for job lifecycle events.
const TypePrefix = "trainjobs.job."

// Job lifecycle event types carried in the envelope.
const (
	TypeQueued    = TypePrefix + "queued"
	TypeRunning   = TypePrefix + "running"
	TypeStep      = TypePrefix + "step"
	TypeFinished  = TypePrefix + "finished"
	TypeFailed    = TypePrefix + "failed"
	TypeCancelled = TypePrefix + "cancelled"
)

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent with default values
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Wanted reports whether an event type passes a subscriber's filter
// list. An empty filter list accepts everything.
func Wanted(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == eventType {
			return true
		}
	}
	return false
}
