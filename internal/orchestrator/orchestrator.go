// Package orchestrator owns the training job lifecycle: admission
// control, dispatch to an executor backend, state tracking, history
// recording and cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"trainjobs/internal/apperrors"
	"trainjobs/internal/dispatcher"
	"trainjobs/internal/executor"
	"trainjobs/internal/history"
	"trainjobs/internal/job"
	"trainjobs/internal/retry"
	"trainjobs/pkg/cloudevent"
)

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobAccepted(ctx context.Context, backend string)
	RecordJobCompleted(ctx context.Context, backend string, success bool, durationSeconds float64)
	RecordJobCancelled(ctx context.Context, backend string)
	RecordStepRetry(ctx context.Context, step string)
	RecordSubmitRejected(ctx context.Context, state string)
}

// record is the in-memory state of one submitted job. Its mutex
// serializes state transitions and history appends, so the per-job
// log stays in transition order.
type record struct {
	mu sync.Mutex

	id        string
	spec      job.Spec
	state     job.State
	queuedAt  time.Time
	startedAt *time.Time
	endedAt   *time.Time
	result    *job.Result
	handle    executor.Handle

	cancelRequested bool // user cancel; wins over any later outcome
	budgetExceeded  bool // compute budget ran out; ends as an internal cancel
	faulted         bool // backend never started the worker
}

// Cancellations forced by the wall-clock budget carry this cause in
// the cancelled entry's details; user-requested cancels carry none.
const causeDeadlineExceeded = "deadline_exceeded"

func budgetDetails() map[string]any {
	return map[string]any{"cause": causeDeadlineExceeded}
}

// budgetSpentLocked reports whether the job's wall-clock budget,
// counted from admission, has run out. Caller holds r.mu.
func (r *record) budgetSpentLocked() bool {
	return r.spec.BudgetSeconds > 0 &&
		time.Since(r.queuedAt) >= time.Duration(r.spec.BudgetSeconds)*time.Second
}

func (r *record) statusLocked() job.Status {
	return job.Status{
		ID:        r.id,
		Key:       r.spec.Key,
		State:     r.state,
		QueuedAt:  r.queuedAt,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Result:    r.result,
	}
}

// Orchestrator accepts jobs, drives them through an executor backend
// and records their history. It is the single writer of job state and
// history; backends report progress through the EventSink methods.
type Orchestrator struct {
	cfg     Config
	backend executor.Backend
	store   *history.Store
	disp    dispatcher.Dispatcher
	metrics MetricsRecorder
	logger  *slog.Logger

	mu    sync.RWMutex
	byKey map[string]*record
	byID  map[string]*record

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New creates an orchestrator and starts its maintenance loop.
// disp and metrics may be nil.
func New(cfg Config, backend executor.Backend, store *history.Store, disp dispatcher.Dispatcher, metrics MetricsRecorder) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:        cfg,
		backend:    backend,
		store:      store,
		disp:       disp,
		metrics:    metrics,
		logger:     slog.With("component", "orchestrator"),
		byKey:      make(map[string]*record),
		byID:       make(map[string]*record),
		baseCtx:    ctx,
		baseCancel: cancel,
	}

	o.wg.Add(1)
	go o.maintain()

	return o
}

// Submit validates the spec, applies admission control (at most one
// live job per key) and accepts the job for async execution.
func (o *Orchestrator) Submit(ctx context.Context, spec job.Spec) (*job.Response, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if o.baseCtx.Err() != nil {
		return nil, apperrors.Saturated(o.cfg.BackendName, "orchestrator shutting down")
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	o.mu.Lock()
	if existing, ok := o.byKey[spec.Key]; ok {
		existing.mu.Lock()
		state := existing.state
		existing.mu.Unlock()
		if !state.Terminal() {
			o.mu.Unlock()
			if o.metrics != nil {
				o.metrics.RecordSubmitRejected(ctx, string(state))
			}
			return nil, apperrors.AlreadyActive(spec.Key, string(state))
		}
	}
	rec := &record{
		id:       job.NewID(),
		spec:     spec,
		state:    job.StateQueued,
		queuedAt: time.Now().UTC(),
	}
	o.byKey[spec.Key] = rec
	o.byID[rec.id] = rec
	o.mu.Unlock()

	rec.mu.Lock()
	o.append(rec, history.EventQueued, map[string]any{"jobId": rec.id, "datasetPath": spec.DatasetPath})
	rec.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordJobAccepted(ctx, o.cfg.BackendName)
	}
	o.notify(rec, cloudevent.TypeQueued, nil)
	o.logger.Info("Job accepted", "jobKey", spec.Key, "jobId", rec.id)

	o.wg.Add(1)
	go o.drive(rec)

	return &job.Response{ID: rec.id, Key: spec.Key, Status: "accepted"}, nil
}

// GetStatus returns the current view of the key's most recent job.
func (o *Orchestrator) GetStatus(ctx context.Context, key string) (*job.Status, error) {
	o.mu.RLock()
	rec, ok := o.byKey[key]
	o.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("job", key)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	st := rec.statusLocked()
	return &st, nil
}

// GetHistory returns the recorded events of the key's most recent job.
// After the in-memory record is evicted it falls back to the newest
// log on disk, so history outlives retention.
func (o *Orchestrator) GetHistory(ctx context.Context, key string) ([]history.Entry, error) {
	o.mu.RLock()
	rec, ok := o.byKey[key]
	o.mu.RUnlock()
	if ok {
		return o.store.Load(key, rec.id)
	}
	return o.store.LoadLatest(key)
}

// Cancel requests best-effort termination of the key's live job. The
// request is recorded immediately; once recorded, the job's final
// state is Cancelled even if the worker finishes in the race window.
func (o *Orchestrator) Cancel(ctx context.Context, key string) error {
	o.mu.RLock()
	rec, ok := o.byKey[key]
	o.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("job", key)
	}

	rec.mu.Lock()
	if rec.state.Terminal() {
		state := rec.state
		rec.mu.Unlock()
		return apperrors.Terminal(key, string(state))
	}
	if !rec.cancelRequested {
		rec.cancelRequested = true
		o.append(rec, history.EventCancelRequested, nil)
	}
	h := rec.handle
	if h == nil {
		// Nothing dispatched yet; finish here and drive() will notice.
		o.cancelledLocked(rec, nil)
		rec.mu.Unlock()
		o.afterCancelled(rec, nil)
		return nil
	}
	rec.mu.Unlock()

	o.backend.Cancel(h)
	o.logger.Info("Cancel requested", "jobKey", key, "jobId", rec.id)
	return nil
}

// Close stops the orchestrator's background loops. Jobs already
// handed to the backend keep running; the caller drains and closes
// the backend separately.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(o.baseCancel)
	o.wg.Wait()
}

// drive moves one job from queued to terminal: dispatch with redial
// on saturation, then watch the backend until the job finishes.
func (o *Orchestrator) drive(rec *record) {
	defer o.wg.Done()

	h := o.dispatch(rec)
	if h == nil {
		return
	}
	o.watch(rec, h)
}

// dispatch hands the job to the backend, retrying while the backend
// is saturated. The job stays Queued the whole time, but the budget
// keeps ticking: a job that spends it all in the queue is cancelled
// without ever reaching the backend. Returns nil when the job went
// terminal before a handle existed.
func (o *Orchestrator) dispatch(rec *record) executor.Handle {
	for {
		rec.mu.Lock()
		if rec.state.Terminal() {
			rec.mu.Unlock()
			return nil
		}
		if rec.budgetSpentLocked() {
			rec.budgetExceeded = true
			o.cancelledLocked(rec, budgetDetails())
			rec.mu.Unlock()
			o.logger.Warn("Job budget exceeded while queued",
				"jobKey", rec.spec.Key, "jobId", rec.id, "budgetSeconds", rec.spec.BudgetSeconds)
			o.afterCancelled(rec, budgetDetails())
			return nil
		}
		rec.mu.Unlock()

		h, err := o.backend.Submit(o.baseCtx, rec.spec, rec.id)
		if err == nil {
			rec.mu.Lock()
			if rec.state.Terminal() {
				// Cancelled while submitting; reap the orphan.
				rec.mu.Unlock()
				o.backend.Cancel(h)
				return nil
			}
			rec.handle = h
			rec.mu.Unlock()
			return h
		}

		if errors.Is(err, apperrors.ErrSaturated) {
			o.logger.Debug("Backend saturated, job stays queued",
				"jobKey", rec.spec.Key, "jobId", rec.id)
			select {
			case <-o.baseCtx.Done():
				return nil
			case <-time.After(o.cfg.DispatchInterval):
			}
			continue
		}

		// Backend refused for a non-capacity reason.
		o.logger.Error("Backend rejected job", "jobKey", rec.spec.Key, "jobId", rec.id, "error", err)
		rec.mu.Lock()
		rec.faulted = true
		rec.mu.Unlock()
		o.finishFailed(rec, err)
		return nil
	}
}

// watch polls the backend until the job reaches a terminal phase,
// enforcing the compute budget and the start timeout along the way.
func (o *Orchestrator) watch(rec *record, h executor.Handle) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var budget <-chan time.Time
	if rec.spec.BudgetSeconds > 0 {
		remaining := time.Duration(rec.spec.BudgetSeconds)*time.Second - time.Since(rec.queuedAt)
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		budget = timer.C
	}

	startDeadline := time.Now().Add(o.cfg.StartTimeout)
	stopping := false

	for {
		select {
		case <-o.baseCtx.Done():
			return

		case <-budget:
			budget = nil
			rec.mu.Lock()
			terminal := rec.state.Terminal()
			if !terminal {
				rec.budgetExceeded = true
			}
			rec.mu.Unlock()
			if terminal {
				return
			}
			o.logger.Warn("Job budget exceeded, stopping worker",
				"jobKey", rec.spec.Key, "jobId", rec.id, "budgetSeconds", rec.spec.BudgetSeconds)
			o.backend.Cancel(h)
			stopping = true

		case <-ticker.C:
			st := o.backend.Poll(h)
			switch st.Phase {
			case executor.PhasePending:
				if !stopping && time.Now().After(startDeadline) {
					o.logger.Error("Worker did not start in time",
						"jobKey", rec.spec.Key, "jobId", rec.id, "startTimeout", o.cfg.StartTimeout)
					rec.mu.Lock()
					rec.faulted = true
					rec.mu.Unlock()
					o.backend.Cancel(h)
					stopping = true
				}

			case executor.PhaseRunning:
				// Transition is driven by the backend's JobStarted event.

			case executor.PhaseSucceeded:
				o.complete(rec, st.Result)
				return

			case executor.PhaseFailed:
				o.finishFailed(rec, st.Err)
				return
			}
		}
	}
}

// complete finalizes a successful job. A cancel recorded during the
// race window still wins.
func (o *Orchestrator) complete(rec *record, result *job.Result) {
	rec.mu.Lock()
	if rec.state.Terminal() {
		rec.mu.Unlock()
		return
	}
	if rec.cancelRequested {
		o.cancelledLocked(rec, nil)
		rec.mu.Unlock()
		o.afterCancelled(rec, nil)
		return
	}

	now := time.Now().UTC()
	rec.state = job.StateCompleted
	rec.endedAt = &now
	rec.result = result

	details := map[string]any{}
	if result != nil {
		details["artifactPath"] = result.ArtifactPath
		if len(result.Metrics) > 0 {
			details["metrics"] = result.Metrics
		}
	}
	o.append(rec, history.EventFinished, details)
	duration := o.durationLocked(rec)
	rec.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.Background(), o.cfg.BackendName, true, duration)
	}
	o.notify(rec, cloudevent.TypeFinished, details)
	o.logger.Info("Job completed", "jobKey", rec.spec.Key, "jobId", rec.id, "durationSeconds", duration)
}

// finishFailed finalizes a failed job, classifying the error. A
// recorded cancel turns the outcome into Cancelled instead, as does a
// budget kill, which records its cause so the two stay apart.
func (o *Orchestrator) finishFailed(rec *record, cause error) {
	rec.mu.Lock()
	if rec.state.Terminal() {
		rec.mu.Unlock()
		return
	}
	if rec.cancelRequested {
		o.cancelledLocked(rec, nil)
		rec.mu.Unlock()
		o.afterCancelled(rec, nil)
		return
	}
	if rec.budgetExceeded {
		o.cancelledLocked(rec, budgetDetails())
		rec.mu.Unlock()
		o.afterCancelled(rec, budgetDetails())
		return
	}

	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	detail := &job.ErrorDetail{
		Class:   o.classifyLocked(rec, cause),
		Message: message,
	}

	now := time.Now().UTC()
	rec.state = job.StateFailed
	rec.endedAt = &now
	rec.result = &job.Result{Err: detail}

	details := map[string]any{"class": detail.Class, "error": detail.Message}
	o.append(rec, history.EventFailed, details)
	duration := o.durationLocked(rec)
	rec.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.Background(), o.cfg.BackendName, false, duration)
	}
	o.notify(rec, cloudevent.TypeFailed, details)
	o.logger.Warn("Job failed", "jobKey", rec.spec.Key, "jobId", rec.id,
		"class", detail.Class, "error", detail.Message)
}

// classifyLocked maps a failure cause to an error class. Caller holds
// rec.mu. Budget kills never get here; they end as cancellations.
func (o *Orchestrator) classifyLocked(rec *record, cause error) string {
	switch {
	case rec.faulted:
		return "backend_fault"
	case retry.IsTransient(cause):
		return "transient"
	default:
		return "terminal"
	}
}

// cancelledLocked marks the record Cancelled and appends the terminal
// history entry. Budget kills pass their cause as details. Caller
// holds rec.mu.
func (o *Orchestrator) cancelledLocked(rec *record, details map[string]any) {
	now := time.Now().UTC()
	rec.state = job.StateCancelled
	rec.endedAt = &now
	o.append(rec, history.EventCancelled, details)
}

// afterCancelled records metrics and callbacks once a record reached
// Cancelled. Called without rec.mu held.
func (o *Orchestrator) afterCancelled(rec *record, details map[string]any) {
	if o.metrics != nil {
		o.metrics.RecordJobCancelled(context.Background(), o.cfg.BackendName)
	}
	o.notify(rec, cloudevent.TypeCancelled, details)
	o.logger.Info("Job cancelled", "jobKey", rec.spec.Key, "jobId", rec.id)
}

// durationLocked returns the job's run time in seconds for metrics.
// Caller holds rec.mu.
func (o *Orchestrator) durationLocked(rec *record) float64 {
	start := rec.queuedAt
	if rec.startedAt != nil {
		start = *rec.startedAt
	}
	end := time.Now()
	if rec.endedAt != nil {
		end = *rec.endedAt
	}
	return end.Sub(start).Seconds()
}

// append writes one history entry for the record. Caller holds rec.mu,
// which keeps entries in transition order.
func (o *Orchestrator) append(rec *record, event string, details map[string]any) {
	entry := history.Entry{Event: event, Details: details}
	if err := o.store.Append(rec.spec.Key, rec.id, entry); err != nil {
		o.logger.Error("History append failed",
			"jobKey", rec.spec.Key, "jobId", rec.id, "event", event, "error", err)
	}
}

// notify dispatches a lifecycle callback if the spec asked for one.
func (o *Orchestrator) notify(rec *record, eventType string, data map[string]any) {
	cb := rec.spec.Callback
	if o.disp == nil || cb == nil || cb.URL == "" {
		return
	}
	if !cloudevent.Wanted(eventType, cb.Events) {
		return
	}

	payload := map[string]any{"jobKey": rec.spec.Key, "jobId": rec.id}
	for k, v := range data {
		payload[k] = v
	}

	event := &dispatcher.Event{
		Payload:     cloudevent.New(eventType, o.cfg.EventSource, rec.spec.Key, job.NewID(), payload),
		Destination: cb.URL,
		SigningKey:  cb.Key,
	}
	if err := o.disp.Dispatch(event); err != nil {
		o.logger.Warn("Callback dropped", "jobKey", rec.spec.Key, "type", eventType, "error", err)
	}
}

// lookup resolves a backend event's job id to its record.
func (o *Orchestrator) lookup(jobID string) *record {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.byID[jobID]
}

// JobStarted implements executor.EventSink.
func (o *Orchestrator) JobStarted(jobID string) {
	rec := o.lookup(jobID)
	if rec == nil {
		return
	}

	rec.mu.Lock()
	if rec.state != job.StateQueued {
		rec.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.state = job.StateRunning
	rec.startedAt = &now
	o.append(rec, history.EventRunning, nil)
	rec.mu.Unlock()

	o.notify(rec, cloudevent.TypeRunning, nil)
}

// StepStarted implements executor.EventSink.
func (o *Orchestrator) StepStarted(jobID, step string, attempt int) {
	o.appendStep(jobID, history.EventStepStarted, map[string]any{"step": step, "attempt": attempt})
}

// StepRetrying implements executor.EventSink.
func (o *Orchestrator) StepRetrying(jobID, step string, attempt int, err error) {
	if o.metrics != nil {
		o.metrics.RecordStepRetry(context.Background(), step)
	}
	o.appendStep(jobID, history.EventStepRetrying, map[string]any{
		"step": step, "attempt": attempt, "error": err.Error(),
	})
}

// StepFailed implements executor.EventSink.
func (o *Orchestrator) StepFailed(jobID, step string, err error) {
	o.appendStep(jobID, history.EventStepFailed, map[string]any{
		"step": step, "error": err.Error(),
	})
}

// appendStep records one step event, dropping it if the record is
// already terminal: nothing is appended after the terminal entry.
func (o *Orchestrator) appendStep(jobID, event string, details map[string]any) {
	rec := o.lookup(jobID)
	if rec == nil {
		return
	}

	rec.mu.Lock()
	if rec.state.Terminal() {
		rec.mu.Unlock()
		return
	}
	o.append(rec, event, details)
	rec.mu.Unlock()

	o.notify(rec, cloudevent.TypeStep, details)
}

// maintain evicts terminal records past retention and prunes their
// history logs, keeping the newest log per key on disk.
func (o *Orchestrator) maintain() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			o.evictExpired()
		}
	}
}

func (o *Orchestrator) evictExpired() {
	cutoff := time.Now().Add(-o.cfg.Retention)

	o.mu.Lock()
	var evicted []*record
	for id, rec := range o.byID {
		rec.mu.Lock()
		expired := rec.state.Terminal() && rec.endedAt != nil && rec.endedAt.Before(cutoff)
		rec.mu.Unlock()
		if !expired {
			continue
		}
		delete(o.byID, id)
		if o.byKey[rec.spec.Key] == rec {
			delete(o.byKey, rec.spec.Key)
		}
		evicted = append(evicted, rec)
	}
	o.mu.Unlock()

	for _, rec := range evicted {
		if err := o.store.Prune(rec.spec.Key, o.cfg.Retention); err != nil {
			o.logger.Warn("History prune failed", "jobKey", rec.spec.Key, "error", err)
		}
		o.logger.Debug("Record evicted", "jobKey", rec.spec.Key, "jobId", rec.id)
	}
}

// validateSpec checks a submission before admission. Keys become
// directory names, so path separators are rejected.
func validateSpec(spec job.Spec) error {
	if spec.Key == "" {
		return apperrors.Validation("key", "key is required")
	}
	if strings.ContainsAny(spec.Key, "/\\") || spec.Key == "." || spec.Key == ".." {
		return apperrors.Validation("key", "key must not contain path separators")
	}
	if spec.DatasetPath == "" {
		return apperrors.Validation("datasetPath", "datasetPath is required")
	}
	if len(spec.Schema.Inputs) == 0 {
		return apperrors.Validation("schema.inputs", "at least one input column is required")
	}
	seen := make(map[string]bool, len(spec.Schema.Inputs))
	for _, in := range spec.Schema.Inputs {
		if in == "" {
			return apperrors.Validation("schema.inputs", "input column names must be non-empty")
		}
		if seen[in] {
			return apperrors.Validation("schema.inputs", fmt.Sprintf("duplicate input column %q", in))
		}
		seen[in] = true
	}
	if spec.Schema.Target == "" {
		return apperrors.Validation("schema.target", "target column is required")
	}
	if seen[spec.Schema.Target] {
		return apperrors.Validation("schema.target", "target column must not also be an input")
	}
	if spec.CPU < 0 {
		return apperrors.Validation("cpu", "cpu must be non-negative")
	}
	if spec.BudgetSeconds < 0 {
		return apperrors.Validation("budgetSeconds", "budgetSeconds must be non-negative")
	}
	if cb := spec.Callback; cb != nil {
		if cb.URL == "" {
			return apperrors.Validation("callback.url", "callback url is required")
		}
		u, err := url.Parse(cb.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return apperrors.Validation("callback.url", "callback url must be http or https")
		}
	}
	return nil
}

// Verify Orchestrator implements the backend event sink.
var _ executor.EventSink = (*Orchestrator)(nil)
