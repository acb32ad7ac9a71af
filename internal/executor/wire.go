package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"trainjobs/internal/job"
)

// SpecFile is the handoff document written for a worker process or
// container: the job spec plus the id the worker reports events under.
type SpecFile struct {
	JobID string   `json:"jobId"`
	Spec  job.Spec `json:"spec"`
}

// Worker processes report step events as tagged JSON lines on stdout,
// one event per line:
//
//	@evt {"event":"step_started","step":"train","attempt":1}
//
// Untagged lines are ordinary output and pass through to the captured
// log. The tag keeps event parsing robust against interleaved prints
// from the training code itself.
const eventPrefix = "@evt "

// Wire event names.
const (
	WireJobStarted   = "job_started"
	WireStepStarted  = "step_started"
	WireStepRetrying = "step_retrying"
	WireStepFailed   = "step_failed"
)

// WireEvent is one step event on the worker's stdout protocol.
type WireEvent struct {
	Event   string `json:"event"`
	Step    string `json:"step,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteEvent emits one event line. Write errors are returned so the
// worker can notice a closed pipe and stop reporting.
func WriteEvent(w io.Writer, ev WireEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n", eventPrefix, data)
	return err
}

// ParseEvent decodes an output line. ok is false for ordinary output
// lines; malformed tagged lines are treated as ordinary output too, so
// a worker printing something that happens to start with the tag can
// never wedge the reader.
func ParseEvent(line string) (WireEvent, bool) {
	rest, found := strings.CutPrefix(line, eventPrefix)
	if !found {
		return WireEvent{}, false
	}
	var ev WireEvent
	if err := json.Unmarshal([]byte(rest), &ev); err != nil || ev.Event == "" {
		return WireEvent{}, false
	}
	return ev, true
}

// SinkObserver adapts an EventSink to the pipeline observer interface
// for a fixed job id.
type SinkObserver struct {
	JobID string
	Sink  EventSink
}

func (o SinkObserver) StepStarted(step string, attempt int) {
	o.Sink.StepStarted(o.JobID, step, attempt)
}

func (o SinkObserver) StepRetrying(step string, attempt int, err error) {
	o.Sink.StepRetrying(o.JobID, step, attempt, err)
}

func (o SinkObserver) StepFailed(step string, err error) {
	o.Sink.StepFailed(o.JobID, step, err)
}
