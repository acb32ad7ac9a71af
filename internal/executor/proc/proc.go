// Package proc implements the external process executor backend: one
// worker process per job, spec handed over as a file, step events
// parsed from the child's stdout, SIGTERM then SIGKILL on cancel.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"trainjobs/internal/apperrors"
	"trainjobs/internal/executor"
	"trainjobs/internal/job"
)

type handle struct {
	jobID      string
	pid        int
	pidPath    string
	outputPath string
	done       chan struct{}

	mu        sync.Mutex
	status    executor.Status
	cancelled bool
	warned    bool // pid sentinel missing while running, logged once
}

func (h *handle) JobID() string { return h.jobID }

func (h *handle) get() executor.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) terminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.Phase == executor.PhaseSucceeded || h.status.Phase == executor.PhaseFailed
}

func (h *handle) set(s executor.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Phase == executor.PhaseSucceeded || h.status.Phase == executor.PhaseFailed {
		return
	}
	h.status = s
}

// Backend runs each job as a child worker process.
type Backend struct {
	cfg    *Config
	sink   executor.EventSink
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*handle
	closed  bool
}

// New creates the process backend. The work directory is created if
// missing.
func New(cfg *Config, sink executor.EventSink, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		cfg = LoadConfigFromEnv()
	}
	if sink == nil {
		sink = executor.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, apperrors.Internal("proc.init", err)
	}
	return &Backend{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "proc-backend"),
		running: map[string]*handle{},
	}, nil
}

// Submit spawns a worker process for the job. At the concurrency bound
// it returns a saturation error without spawning.
func (b *Backend) Submit(ctx context.Context, spec job.Spec, jobID string) (executor.Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.Internal("proc.submit", errors.New("backend closed"))
	}
	if len(b.running) >= b.cfg.MaxConcurrent {
		n := len(b.running)
		b.mu.Unlock()
		return nil, apperrors.Saturated("proc", fmt.Sprintf("%d worker processes running", n))
	}
	// Reserve the slot before spawning so concurrent submits cannot
	// overshoot the bound.
	h := &handle{
		jobID:      jobID,
		pidPath:    filepath.Join(b.cfg.WorkDir, jobID+".pid"),
		outputPath: filepath.Join(b.cfg.WorkDir, jobID+".out.log"),
		done:       make(chan struct{}),
		status:     executor.Status{Phase: executor.PhasePending},
	}
	b.running[jobID] = h
	b.mu.Unlock()

	if err := b.spawn(spec, h); err != nil {
		b.release(jobID)
		return nil, err
	}
	return h, nil
}

func (b *Backend) spawn(spec job.Spec, h *handle) error {
	specPath := filepath.Join(b.cfg.WorkDir, h.jobID+".spec.json")
	resultPath := filepath.Join(b.cfg.WorkDir, h.jobID+".result.json")

	specData, err := json.Marshal(executor.SpecFile{JobID: h.jobID, Spec: spec})
	if err != nil {
		return apperrors.Internal("proc.spawn", err)
	}
	if err := os.WriteFile(specPath, specData, 0o644); err != nil {
		return apperrors.Internal("proc.spawn", err)
	}

	output, err := os.Create(h.outputPath)
	if err != nil {
		return apperrors.Internal("proc.spawn", err)
	}

	cmd := exec.Command(b.cfg.WorkerBin, "-spec", specPath, "-result", resultPath)
	cmd.Stderr = output
	// Own process group, so cancel signals reach the worker's children
	// and an orphaned grandchild cannot hold the stdout pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		output.Close()
		return apperrors.Internal("proc.spawn", err)
	}

	if err := cmd.Start(); err != nil {
		output.Close()
		return apperrors.Internal("proc.spawn", err)
	}
	h.pid = cmd.Process.Pid

	if err := os.WriteFile(h.pidPath, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
		b.logger.Warn("failed to write pid sentinel", "jobId", h.jobID, "error", err)
	}
	b.logger.Info("worker spawned", "jobId", h.jobID, "jobKey", spec.Key, "pid", cmd.Process.Pid)

	go func() {
		defer output.Close()
		b.consumeOutput(h, stdout, output)
		b.finish(h, cmd.Wait(), resultPath)
	}()
	return nil
}

// consumeOutput copies the child's stdout to the captured log and
// routes tagged event lines to the sink.
func (b *Backend) consumeOutput(h *handle, stdout io.Reader, output *os.File) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(output, line)

		ev, ok := executor.ParseEvent(line)
		if !ok {
			continue
		}
		switch ev.Event {
		case executor.WireJobStarted:
			h.set(executor.Status{Phase: executor.PhaseRunning})
			b.sink.JobStarted(h.jobID)
		case executor.WireStepStarted:
			b.sink.StepStarted(h.jobID, ev.Step, ev.Attempt)
		case executor.WireStepRetrying:
			b.sink.StepRetrying(h.jobID, ev.Step, ev.Attempt, errors.New(ev.Error))
		case executor.WireStepFailed:
			b.sink.StepFailed(h.jobID, ev.Step, errors.New(ev.Error))
		}
	}
}

func (b *Backend) finish(h *handle, waitErr error, resultPath string) {
	defer close(h.done)
	defer b.release(h.jobID)

	if err := os.Remove(h.pidPath); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("failed to remove pid sentinel", "jobId", h.jobID, "error", err)
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		h.set(executor.Status{
			Phase: executor.PhaseFailed,
			Err:   fmt.Errorf("worker exited with code %d (output: %s)", exitCode, h.outputPath),
		})
		b.logger.Info("worker failed", "jobId", h.jobID, "exitCode", exitCode)
		return
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		h.set(executor.Status{Phase: executor.PhaseFailed, Err: fmt.Errorf("worker result missing: %w", err)})
		return
	}
	var result job.Result
	if err := json.Unmarshal(data, &result); err != nil {
		h.set(executor.Status{Phase: executor.PhaseFailed, Err: fmt.Errorf("worker result unreadable: %w", err)})
		return
	}
	h.set(executor.Status{Phase: executor.PhaseSucceeded, Result: &result})
	b.logger.Info("worker succeeded", "jobId", h.jobID)
}

// signalGroup delivers a signal to the worker's whole process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

func (b *Backend) release(jobID string) {
	b.mu.Lock()
	delete(b.running, jobID)
	b.mu.Unlock()
}

// Poll reports the job's current status. A missing pid sentinel while
// the process is running is logged once; the process handle stays
// authoritative.
func (b *Backend) Poll(h executor.Handle) executor.Status {
	ph, ok := h.(*handle)
	if !ok {
		return executor.Status{Phase: executor.PhaseFailed, Err: errors.New("foreign handle")}
	}

	status := ph.get()
	if status.Phase == executor.PhaseRunning {
		if _, err := os.Stat(ph.pidPath); os.IsNotExist(err) {
			ph.mu.Lock()
			if !ph.warned {
				ph.warned = true
				b.logger.Warn("pid sentinel missing for running worker", "jobId", ph.jobID)
			}
			ph.mu.Unlock()
		}
	}
	return status
}

// Cancel terminates the worker: SIGTERM first, SIGKILL after the grace
// period. An already-exited process counts as already terminal.
func (b *Backend) Cancel(h executor.Handle) executor.Outcome {
	ph, ok := h.(*handle)
	if !ok {
		return executor.Unknown
	}
	if ph.terminal() {
		return executor.AlreadyTerminal
	}

	ph.mu.Lock()
	already := ph.cancelled
	ph.cancelled = true
	ph.mu.Unlock()
	if already {
		return executor.Acknowledged
	}

	if err := signalGroup(ph.pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return executor.AlreadyTerminal
		}
		b.logger.Warn("SIGTERM failed", "jobId", ph.jobID, "error", err)
	}

	go func() {
		select {
		case <-ph.done:
		case <-time.After(b.cfg.Grace):
			b.logger.Warn("worker ignored SIGTERM, killing", "jobId", ph.jobID)
			if err := signalGroup(ph.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				b.logger.Error("SIGKILL failed", "jobId", ph.jobID, "error", err)
			}
		}
	}()
	return executor.Acknowledged
}

// Ready reports whether the worker binary is resolvable.
func (b *Backend) Ready(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("proc backend closed")
	}
	if _, err := exec.LookPath(b.cfg.WorkerBin); err != nil {
		return fmt.Errorf("worker binary: %w", err)
	}
	return nil
}

// Close kills all running workers and waits for them to be reaped.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	handles := make([]*handle, 0, len(b.running))
	for _, h := range b.running {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		if err := signalGroup(h.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			b.logger.Warn("kill on close failed", "jobId", h.jobID, "error", err)
		}
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			b.logger.Error("worker not reaped on close", "jobId", h.jobID)
		}
	}
	return nil
}
