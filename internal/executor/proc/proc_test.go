package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"trainjobs/internal/apperrors"
	"trainjobs/internal/executor"
	"trainjobs/internal/job"
)

// fakeWorker writes a shell script standing in for the worker binary.
// The backend invokes it as: script -spec <path> -result <path>.
func fakeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\nSPEC=$2\nRESULT=$4\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestBackend(t *testing.T, workerBin string, maxConcurrent int, sink executor.EventSink) *Backend {
	t.Helper()
	cfg := &Config{
		WorkerBin:     workerBin,
		WorkDir:       t.TempDir(),
		MaxConcurrent: maxConcurrent,
		Grace:         100 * time.Millisecond,
	}
	b, err := New(cfg, sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitPhase(t *testing.T, b *Backend, h executor.Handle, want executor.Phase) executor.Status {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		status := b.Poll(h)
		if status.Phase == want {
			return status
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached phase %s, stuck at %s", want, status.Phase)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type recordingSink struct {
	executor.NopSink
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) JobStarted(jobID string) {
	s.record("job_started")
}

func (s *recordingSink) StepStarted(jobID, step string, attempt int) {
	s.record("step_started:" + step)
}

func (s *recordingSink) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func TestSubmitSuccess(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	worker := fakeWorker(t, `
echo '@evt {"event":"job_started"}'
echo '@evt {"event":"step_started","step":"train","attempt":1}'
echo "ordinary training output"
echo '{"artifactPath":"/tmp/model.json","metrics":{"mae":1.5}}' > "$RESULT"
exit 0
`)
	b := newTestBackend(t, worker, 2, sink)

	h, err := b.Submit(context.Background(), job.Spec{Key: "proj-1"}, "job-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitPhase(t, b, h, executor.PhaseSucceeded)
	if status.Result == nil || status.Result.ArtifactPath != "/tmp/model.json" {
		t.Errorf("unexpected result: %+v", status.Result)
	}
	if status.Result.Metrics["mae"] != 1.5 {
		t.Errorf("metrics not surfaced: %+v", status.Result.Metrics)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || sink.events[0] != "job_started" || sink.events[1] != "step_started:train" {
		t.Errorf("unexpected sink events: %v", sink.events)
	}

	// The captured output log keeps ordinary lines.
	data, err := os.ReadFile(b.cfg.WorkDir + "/job-1.out.log")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ordinary training output") {
		t.Error("expected ordinary output in captured log")
	}
}

func TestSubmitWorkerFailure(t *testing.T) {
	t.Parallel()
	worker := fakeWorker(t, `
echo '@evt {"event":"job_started"}'
echo "something went wrong" >&2
exit 3
`)
	b := newTestBackend(t, worker, 2, nil)

	h, err := b.Submit(context.Background(), job.Spec{Key: "proj-1"}, "job-1")
	if err != nil {
		t.Fatal(err)
	}

	status := waitPhase(t, b, h, executor.PhaseFailed)
	if status.Err == nil || !strings.Contains(status.Err.Error(), "code 3") {
		t.Errorf("expected exit code in error, got %v", status.Err)
	}
	if !strings.Contains(status.Err.Error(), "job-1.out.log") {
		t.Errorf("expected output path in error, got %v", status.Err)
	}
}

func TestSubmitMissingResult(t *testing.T) {
	t.Parallel()
	worker := fakeWorker(t, "exit 0\n")
	b := newTestBackend(t, worker, 2, nil)

	h, err := b.Submit(context.Background(), job.Spec{Key: "proj-1"}, "job-1")
	if err != nil {
		t.Fatal(err)
	}

	status := waitPhase(t, b, h, executor.PhaseFailed)
	if status.Err == nil || !strings.Contains(status.Err.Error(), "result missing") {
		t.Errorf("expected missing-result error, got %v", status.Err)
	}
}

func TestSubmitSaturation(t *testing.T) {
	t.Parallel()
	worker := fakeWorker(t, `
echo '@evt {"event":"job_started"}'
sleep 30
`)
	b := newTestBackend(t, worker, 1, nil)

	h, err := b.Submit(context.Background(), job.Spec{Key: "proj-1"}, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	waitPhase(t, b, h, executor.PhaseRunning)

	_, err = b.Submit(context.Background(), job.Spec{Key: "proj-2"}, "job-2")
	if !errors.Is(err, apperrors.ErrSaturated) {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}

	if outcome := b.Cancel(h); outcome != executor.Acknowledged {
		t.Fatalf("Cancel = %s", outcome)
	}
	waitPhase(t, b, h, executor.PhaseFailed)

	// The slot frees after the worker is reaped.
	if _, err := b.Submit(context.Background(), job.Spec{Key: "proj-2"}, "job-2b"); err != nil {
		t.Errorf("expected slot to free after cancel, got %v", err)
	}
}

func TestCancelTerminatesWorker(t *testing.T) {
	t.Parallel()
	worker := fakeWorker(t, `
echo '@evt {"event":"job_started"}'
sleep 30
`)
	b := newTestBackend(t, worker, 1, nil)

	h, err := b.Submit(context.Background(), job.Spec{Key: "proj-1"}, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	waitPhase(t, b, h, executor.PhaseRunning)

	pidPath := filepath.Join(b.cfg.WorkDir, "job-1.pid")
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("expected pid sentinel while running: %v", err)
	}

	start := time.Now()
	if outcome := b.Cancel(h); outcome != executor.Acknowledged {
		t.Fatalf("Cancel = %s", outcome)
	}
	waitPhase(t, b, h, executor.PhaseFailed)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %v", elapsed)
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("expected pid sentinel removed after termination")
	}
}

func TestCancelAfterExit(t *testing.T) {
	t.Parallel()
	worker := fakeWorker(t, `
echo '{"artifactPath":"/tmp/model.json"}' > "$RESULT"
exit 0
`)
	b := newTestBackend(t, worker, 1, nil)

	h, err := b.Submit(context.Background(), job.Spec{Key: "proj-1"}, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	waitPhase(t, b, h, executor.PhaseSucceeded)

	if outcome := b.Cancel(h); outcome != executor.AlreadyTerminal {
		t.Errorf("Cancel = %s, want already_terminal", outcome)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	worker := fakeWorker(t, "exit 0\n")
	b := newTestBackend(t, worker, 1, nil)
	if err := b.Ready(context.Background()); err != nil {
		t.Errorf("expected ready: %v", err)
	}

	missing := newTestBackend(t, "/nonexistent/worker-binary", 1, nil)
	if err := missing.Ready(context.Background()); err == nil {
		t.Error("expected not ready for missing worker binary")
	}
}
