package executor

import "sync"

// RelaySink forwards events to a target sink installed after the
// backend is constructed. Backends take their sink at construction
// time while the consumer usually needs the backend first; the relay
// breaks that cycle. Events arriving before Set are discarded.
type RelaySink struct {
	mu   sync.RWMutex
	sink EventSink
}

// Set installs the target sink.
func (r *RelaySink) Set(sink EventSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *RelaySink) target() EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

func (r *RelaySink) JobStarted(jobID string) {
	if s := r.target(); s != nil {
		s.JobStarted(jobID)
	}
}

func (r *RelaySink) StepStarted(jobID, step string, attempt int) {
	if s := r.target(); s != nil {
		s.StepStarted(jobID, step, attempt)
	}
}

func (r *RelaySink) StepRetrying(jobID, step string, attempt int, err error) {
	if s := r.target(); s != nil {
		s.StepRetrying(jobID, step, attempt, err)
	}
}

func (r *RelaySink) StepFailed(jobID, step string, err error) {
	if s := r.target(); s != nil {
		s.StepFailed(jobID, step, err)
	}
}
