// Package docker implements the container executor backend using the
// Docker API: one worker container per job, spec handed over through a
// bind-mounted work directory, step events parsed from container logs.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"trainjobs/internal/apperrors"
	"trainjobs/internal/executor"
	"trainjobs/internal/job"
)

type handle struct {
	jobID       string
	containerID string
	resultPath  string
	done        chan struct{}

	mu     sync.Mutex
	status executor.Status
}

func (h *handle) JobID() string { return h.jobID }

func (h *handle) get() executor.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) set(s executor.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Phase == executor.PhaseSucceeded || h.status.Phase == executor.PhaseFailed {
		return
	}
	h.status = s
}

// Backend runs each job in its own container on the host Docker daemon.
type Backend struct {
	client *client.Client
	cfg    *Config
	sink   executor.EventSink
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*handle
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	watchWg    sync.WaitGroup
}

// New creates the container backend and verifies daemon connectivity
// lazily (through Ready).
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

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Internal("docker.init", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, apperrors.Internal("docker.init", err)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Backend{
		client:     dockerClient,
		cfg:        cfg,
		sink:       sink,
		logger:     logger.With("component", "docker-backend"),
		running:    map[string]*handle{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Submit creates and starts a worker container for the job.
func (b *Backend) Submit(ctx context.Context, spec job.Spec, jobID string) (executor.Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.Internal("docker.submit", errors.New("backend closed"))
	}
	if len(b.running) >= b.cfg.MaxConcurrent {
		n := len(b.running)
		b.mu.Unlock()
		return nil, apperrors.Saturated("docker", fmt.Sprintf("%d job containers running", n))
	}
	h := &handle{
		jobID:      jobID,
		resultPath: filepath.Join(b.cfg.WorkDir, jobID+".result.json"),
		done:       make(chan struct{}),
		status:     executor.Status{Phase: executor.PhasePending},
	}
	b.running[jobID] = h
	b.mu.Unlock()

	if err := b.start(ctx, spec, h); err != nil {
		b.release(jobID)
		return nil, err
	}
	return h, nil
}

func (b *Backend) start(ctx context.Context, spec job.Spec, h *handle) error {
	specData, err := json.Marshal(executor.SpecFile{JobID: h.jobID, Spec: spec})
	if err != nil {
		return apperrors.Internal("docker.start", err)
	}
	specPath := filepath.Join(b.cfg.WorkDir, h.jobID+".spec.json")
	if err := os.WriteFile(specPath, specData, 0o644); err != nil {
		return apperrors.Internal("docker.start", err)
	}

	// Detached context so an HTTP timeout cannot abort a long pull.
	pullCtx := context.WithoutCancel(ctx)
	if err := b.pullImageIfNeeded(pullCtx, b.cfg.Image); err != nil {
		return apperrors.Internal("docker.pullImage", err)
	}

	containerConfig := &container.Config{
		Image: b.cfg.Image,
		Cmd: []string{
			"trainjobs-worker",
			"-spec", filepath.Join(b.cfg.MountPath, h.jobID+".spec.json"),
			"-result", filepath.Join(b.cfg.MountPath, h.jobID+".result.json"),
		},
		Labels: map[string]string{
			"job.id":     h.jobID,
			"job.key":    spec.Key,
			"managed-by": "trainjobs",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: b.cfg.WorkDir,
				Target: b.cfg.MountPath,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPU * 1e9),
		},
	}

	containerName := fmt.Sprintf("trainjob-%s", h.jobID)
	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return apperrors.Internal("docker.createContainer", err)
	}
	h.containerID = resp.ID

	if err := b.client.ContainerStart(ctx, h.containerID, container.StartOptions{}); err != nil {
		b.removeContainer(context.WithoutCancel(ctx), h.containerID)
		return apperrors.Internal("docker.startContainer", err)
	}

	h.set(executor.Status{Phase: executor.PhaseRunning})
	b.sink.JobStarted(h.jobID)
	b.logger.Info("job container started", "jobId", h.jobID, "jobKey", spec.Key, "containerId", h.containerID[:12])

	b.watchWg.Add(1)
	go func() {
		defer b.watchWg.Done()
		b.watch(h)
	}()
	return nil
}

// watch streams the container's logs for step events, waits for exit
// and finalizes the handle status.
func (b *Backend) watch(h *handle) {
	defer close(h.done)
	defer b.release(h.jobID)
	logger := b.logger.With("jobId", h.jobID)

	logCtx, logCancel := context.WithCancel(b.baseCtx)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		b.streamLogs(logCtx, logger, h)
	}()

	exitCode, exitErr := b.waitForExit(b.baseCtx, h.containerID)
	logCancel()
	<-logDone

	switch {
	case exitErr != nil:
		h.set(executor.Status{Phase: executor.PhaseFailed, Err: fmt.Errorf("container wait: %w", exitErr)})
		logger.Warn("job container wait failed", "error", exitErr)
	case exitCode != 0:
		h.set(executor.Status{
			Phase: executor.PhaseFailed,
			Err:   fmt.Errorf("worker exited with code %d (container %s)", exitCode, h.containerID[:12]),
		})
		logger.Info("job container failed", "exitCode", exitCode)
	default:
		h.set(b.readResult(h))
		logger.Info("job container finished")
	}

	b.removeContainer(context.Background(), h.containerID)
}

func (b *Backend) readResult(h *handle) executor.Status {
	data, err := os.ReadFile(h.resultPath)
	if err != nil {
		return executor.Status{Phase: executor.PhaseFailed, Err: fmt.Errorf("worker result missing: %w", err)}
	}
	var result job.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return executor.Status{Phase: executor.PhaseFailed, Err: fmt.Errorf("worker result unreadable: %w", err)}
	}
	return executor.Status{Phase: executor.PhaseSucceeded, Result: &result}
}

// streamLogs parses the multiplexed log stream and routes tagged event
// lines to the sink.
func (b *Backend) streamLogs(ctx context.Context, logger *slog.Logger, h *handle) {
	logs, err := b.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	header := make([]byte, 8)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(logs, header); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Debug("log stream ended", "error", err)
			}
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			logger.Debug("failed to read log payload", "error", err)
			return
		}

		for _, line := range splitLines(string(payload)) {
			ev, ok := executor.ParseEvent(line)
			if !ok {
				continue
			}
			switch ev.Event {
			case executor.WireStepStarted:
				b.sink.StepStarted(h.jobID, ev.Step, ev.Attempt)
			case executor.WireStepRetrying:
				b.sink.StepRetrying(h.jobID, ev.Step, ev.Attempt, errors.New(ev.Error))
			case executor.WireStepFailed:
				b.sink.StepFailed(h.jobID, ev.Step, errors.New(ev.Error))
			}
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (b *Backend) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	stopTimeout := int(b.cfg.StopGrace.Seconds())
	_ = b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (b *Backend) release(jobID string) {
	b.mu.Lock()
	delete(b.running, jobID)
	b.mu.Unlock()
}

// Poll reports the job's current status.
func (b *Backend) Poll(h executor.Handle) executor.Status {
	dh, ok := h.(*handle)
	if !ok {
		return executor.Status{Phase: executor.PhaseFailed, Err: errors.New("foreign handle")}
	}
	return dh.get()
}

// Cancel stops the job container: the daemon sends SIGTERM, then kills
// after the stop grace period. The watcher observes the exit and
// finalizes the handle.
func (b *Backend) Cancel(h executor.Handle) executor.Outcome {
	dh, ok := h.(*handle)
	if !ok {
		return executor.Unknown
	}

	dh.mu.Lock()
	terminal := dh.status.Phase == executor.PhaseSucceeded || dh.status.Phase == executor.PhaseFailed
	dh.mu.Unlock()
	if terminal {
		return executor.AlreadyTerminal
	}

	stopTimeout := int(b.cfg.StopGrace.Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StopGrace+30*time.Second)
	defer cancel()
	if err := b.client.ContainerStop(ctx, dh.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		b.logger.Warn("container stop failed", "jobId", dh.jobID, "error", err)
	}
	return executor.Acknowledged
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("docker backend closed")
	}
	_, err := b.client.Ping(ctx)
	return err
}

// Close stops watching, removes running job containers and releases
// the client.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	handles := make([]*handle, 0, len(b.running))
	for _, h := range b.running {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, h := range handles {
		b.removeContainer(ctx, h.containerID)
	}
	b.baseCancel()
	b.watchWg.Wait()
	return b.client.Close()
}
