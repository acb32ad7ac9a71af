// trainjobs-worker runs one training job to completion. The proc and
// docker backends spawn it with a spec file and collect the result
// file when it exits; step progress is reported as tagged JSON lines
// on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trainjobs/internal/executor"
	"trainjobs/internal/train"
)

func main() {
	// Stdout carries the event protocol; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	specPath := flag.String("spec", "", "path to the job spec file")
	resultPath := flag.String("result", "", "path to write the job result to")
	flag.Parse()

	if err := run(*specPath, *resultPath); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(specPath, resultPath string) error {
	if specPath == "" || resultPath == "" {
		return fmt.Errorf("-spec and -result are required")
	}

	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	var sf executor.SpecFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}

	// SIGTERM cancels the context so the pipeline's cleanup still runs
	// before the backend escalates to SIGKILL.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	report(executor.WireEvent{Event: executor.WireJobStarted})

	tj := train.NewJob(sf.Spec, sf.JobID, train.LoadConfigFromEnv(), train.NewBaselineTrainer(), slog.Default())
	if err := tj.Pipeline().Run(ctx, stdoutReporter{}); err != nil {
		return err
	}

	result := tj.Result()
	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	// Write-then-rename so the backend never reads a torn result.
	tmp := resultPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, resultPath); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	slog.Info("Job finished", "jobId", sf.JobID, "artifact", result.ArtifactPath)
	return nil
}

// report writes one wire event to stdout. A broken pipe means the
// parent is gone; the pipeline keeps running regardless.
func report(ev executor.WireEvent) {
	if err := executor.WriteEvent(os.Stdout, ev); err != nil {
		slog.Warn("Event report failed", "event", ev.Event, "error", err)
	}
}

// stdoutReporter forwards pipeline step events over the wire protocol.
type stdoutReporter struct{}

func (stdoutReporter) StepStarted(step string, attempt int) {
	report(executor.WireEvent{Event: executor.WireStepStarted, Step: step, Attempt: attempt})
}

func (stdoutReporter) StepRetrying(step string, attempt int, err error) {
	report(executor.WireEvent{Event: executor.WireStepRetrying, Step: step, Attempt: attempt, Error: err.Error()})
}

func (stdoutReporter) StepFailed(step string, err error) {
	report(executor.WireEvent{Event: executor.WireStepFailed, Step: step, Error: err.Error()})
}
