// Package pool implements the in-process executor backend: a fixed
// worker pool with a bounded pending queue. Cancellation is
// cooperative through contexts; in-process work cannot be force-killed.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"trainjobs/internal/apperrors"
	"trainjobs/internal/executor"
	"trainjobs/internal/job"
)

type pending struct {
	spec job.Spec
	h    *handle
	ctx  context.Context
}

type handle struct {
	jobID  string
	cancel context.CancelFunc

	mu     sync.Mutex
	status executor.Status
}

func (h *handle) JobID() string { return h.jobID }

func (h *handle) get() executor.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// set transitions the handle's status; terminal phases are absorbing.
func (h *handle) set(s executor.Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Phase == executor.PhaseSucceeded || h.status.Phase == executor.PhaseFailed {
		return false
	}
	h.status = s
	return true
}

// Pool is the in-process executor backend.
type Pool struct {
	cfg     *Config
	factory executor.TaskFactory
	sink    executor.EventSink
	logger  *slog.Logger

	queue chan pending
	wg    sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	closeOnce sync.Once
}

// New starts a pool with cfg.Workers workers. The factory builds each
// job's task; the sink receives lifecycle and step events.
func New(cfg *Config, factory executor.TaskFactory, sink executor.EventSink, logger *slog.Logger) *Pool {
	if cfg == nil {
		cfg = LoadConfigFromEnv()
	}
	if sink == nil {
		sink = executor.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		sink:       sink,
		logger:     logger.With("component", "pool-backend"),
		queue:      make(chan pending, cfg.QueueDepth),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues a job without blocking. A full queue returns a
// saturation error; the caller redials later.
func (p *Pool) Submit(ctx context.Context, spec job.Spec, jobID string) (executor.Handle, error) {
	if p.baseCtx.Err() != nil {
		return nil, apperrors.Internal("pool.submit", fmt.Errorf("backend closed"))
	}

	jobCtx, cancel := context.WithCancel(p.baseCtx)
	h := &handle{jobID: jobID, cancel: cancel}
	h.status = executor.Status{Phase: executor.PhasePending}

	select {
	case p.queue <- pending{spec: spec, h: h, ctx: jobCtx}:
		return h, nil
	default:
		cancel()
		return nil, apperrors.Saturated("pool", fmt.Sprintf("queue full (%d pending)", p.cfg.QueueDepth))
	}
}

// Poll reports the job's current status.
func (p *Pool) Poll(h executor.Handle) executor.Status {
	ph, ok := h.(*handle)
	if !ok {
		return executor.Status{Phase: executor.PhaseFailed, Err: fmt.Errorf("foreign handle")}
	}
	return ph.get()
}

// Cancel stops the job cooperatively: a pending job never runs, a
// running job sees its context cancelled.
func (p *Pool) Cancel(h executor.Handle) executor.Outcome {
	ph, ok := h.(*handle)
	if !ok {
		return executor.Unknown
	}

	ph.mu.Lock()
	terminal := ph.status.Phase == executor.PhaseSucceeded || ph.status.Phase == executor.PhaseFailed
	ph.mu.Unlock()
	if terminal {
		return executor.AlreadyTerminal
	}
	ph.cancel()
	return executor.Acknowledged
}

// Ready reports whether the pool accepts work.
func (p *Pool) Ready(ctx context.Context) error {
	if p.baseCtx.Err() != nil {
		return fmt.Errorf("pool backend closed")
	}
	return nil
}

// Close cancels all jobs and waits for the workers to drain.
func (p *Pool) Close() error {
	p.closeOnce.Do(p.baseCancel)
	p.wg.Wait()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-p.baseCtx.Done():
			return
		case pj := <-p.queue:
			p.run(pj, logger)
		}
	}
}

func (p *Pool) run(pj pending, logger *slog.Logger) {
	defer pj.h.cancel()

	// Cancelled while still pending: never run the task.
	if pj.ctx.Err() != nil {
		pj.h.set(executor.Status{Phase: executor.PhaseFailed, Err: pj.ctx.Err()})
		return
	}

	pj.h.set(executor.Status{Phase: executor.PhaseRunning})
	p.sink.JobStarted(pj.h.jobID)
	logger.Info("job started", "jobId", pj.h.jobID, "jobKey", pj.spec.Key)

	task := p.factory(pj.spec, pj.h.jobID)
	err := task.Pipeline.Run(pj.ctx, executor.SinkObserver{JobID: pj.h.jobID, Sink: p.sink})
	if err != nil {
		pj.h.set(executor.Status{Phase: executor.PhaseFailed, Err: err})
		logger.Info("job failed", "jobId", pj.h.jobID, "error", err)
		return
	}

	pj.h.set(executor.Status{Phase: executor.PhaseSucceeded, Result: task.Result()})
	logger.Info("job succeeded", "jobId", pj.h.jobID)
}
