// Package train implements the training pipeline a job executes:
// schema validation, workspace preparation, dataset load, model fit,
// holdout evaluation and atomic artifact persistence.
package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trainjobs/internal/job"
	"trainjobs/internal/pipeline"
	"trainjobs/internal/retry"
)

const (
	artifactName = "model.json"
	sentinelName = ".inprogress"
)

// Job runs one training job through its pipeline and collects the
// result. Not safe for concurrent use; each submission gets its own Job.
type Job struct {
	spec    job.Spec
	jobID   string
	cfg     *Config
	trainer Trainer
	logger  *slog.Logger

	workspace string
	dataset   *Dataset
	model     *Model
	metrics   map[string]float64
	artifact  string
}

// NewJob builds a runnable training job. A nil trainer uses the
// baseline trainer; a nil config loads from the environment.
func NewJob(spec job.Spec, jobID string, cfg *Config, trainer Trainer, logger *slog.Logger) *Job {
	if cfg == nil {
		cfg = LoadConfigFromEnv()
	}
	if trainer == nil {
		trainer = NewBaselineTrainer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		spec:    spec,
		jobID:   jobID,
		cfg:     cfg.withDefaults(),
		trainer: trainer,
		logger:  logger.With("jobId", jobID, "jobKey", spec.Key),
	}
}

// Pipeline returns the job's step pipeline. Attempt budgets differ per
// step: deterministic steps get one attempt, IO-heavy steps get more.
func (j *Job) Pipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Steps: []pipeline.Step{
			{Name: "validate", Retry: retry.Policy{MaxAttempts: 3}, Run: j.validate},
			{Name: "prepare", Retry: retry.Policy{MaxAttempts: 2}, Run: j.prepare},
			{Name: "load_data", Timeout: j.cfg.StepTimeout, Retry: retry.Policy{MaxAttempts: 2}, Run: j.loadData},
			{Name: "train", Timeout: j.cfg.StepTimeout, Retry: retry.Policy{MaxAttempts: 1}, Run: j.train},
			{Name: "evaluate", Retry: retry.Policy{MaxAttempts: 2}, Run: j.evaluate},
			{Name: "persist", Retry: retry.Policy{MaxAttempts: 3}, Run: j.persist},
		},
		Cleanup: j.Cleanup,
		Logger:  j.logger,
	}
}

// Result returns the job outcome after the pipeline finishes. On
// success it carries the artifact path and evaluation metrics.
func (j *Job) Result() *job.Result {
	if j.artifact == "" {
		return nil
	}
	return &job.Result{ArtifactPath: j.artifact, Metrics: j.metrics}
}

func (j *Job) validate(ctx context.Context) error {
	s := j.spec
	if s.Key == "" {
		return retry.Terminal(errors.New("job key is required"))
	}
	if s.DatasetPath == "" {
		return retry.Terminal(errors.New("dataset path is required"))
	}
	if len(s.Schema.Inputs) == 0 {
		return retry.Terminal(errors.New("schema needs at least one input column"))
	}
	if s.Schema.Target == "" {
		return retry.Terminal(errors.New("schema target column is required"))
	}
	seen := make(map[string]bool, len(s.Schema.Inputs))
	for _, input := range s.Schema.Inputs {
		if input == "" {
			return retry.Terminal(errors.New("schema input column name is empty"))
		}
		if input == s.Schema.Target {
			return retry.Terminal(fmt.Errorf("column %q is both input and target", input))
		}
		if seen[input] {
			return retry.Terminal(fmt.Errorf("duplicate input column %q", input))
		}
		seen[input] = true
	}
	return nil
}

func (j *Job) prepare(ctx context.Context) error {
	j.workspace = filepath.Join(j.cfg.WorkspaceRoot, j.spec.Key, j.jobID)
	if err := os.MkdirAll(j.workspace, 0o755); err != nil {
		return retry.Transient(fmt.Errorf("create workspace: %w", err))
	}
	if err := os.WriteFile(filepath.Join(j.workspace, sentinelName), []byte(j.jobID+"\n"), 0o644); err != nil {
		return retry.Transient(fmt.Errorf("write sentinel: %w", err))
	}
	return nil
}

func (j *Job) loadData(ctx context.Context) error {
	ds, err := LoadCSV(j.spec.DatasetPath, j.spec.Schema)
	if err != nil {
		return err
	}
	j.dataset = ds
	j.logger.Info("dataset loaded", "rows", ds.Rows(), "inputs", len(j.spec.Schema.Inputs))
	return nil
}

func (j *Job) train(ctx context.Context) error {
	trainSet, _ := j.dataset.split(j.cfg.HoldoutRatio)
	model, err := j.trainer.Train(ctx, trainSet, j.spec.Schema)
	if err != nil {
		return err
	}
	j.model = model
	j.logger.Info("model trained", "trainer", j.trainer.Name(), "trainRows", trainSet.Rows())
	return nil
}

func (j *Job) evaluate(ctx context.Context) error {
	_, holdout := j.dataset.split(j.cfg.HoldoutRatio)
	if holdout.Rows() == 0 {
		// A single-row dataset leaves nothing to hold out; the model
		// ships unevaluated rather than failing the job.
		j.logger.Warn("no holdout rows, skipping evaluation", "rows", j.dataset.Rows())
		return nil
	}
	metrics, err := evaluate(j.model, holdout)
	if err != nil {
		return err
	}
	j.metrics = metrics
	j.logger.Info("model evaluated", "mae", metrics["mae"], "rmse", metrics["rmse"], "holdoutRows", metrics["rows"])
	return nil
}

func (j *Job) persist(ctx context.Context) error {
	artifact := struct {
		Model     *Model             `json:"model"`
		Metrics   map[string]float64 `json:"metrics"`
		JobID     string             `json:"jobId"`
		TrainedAt time.Time          `json:"trainedAt"`
	}{
		Model:     j.model,
		Metrics:   j.metrics,
		JobID:     j.jobID,
		TrainedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return retry.Terminal(fmt.Errorf("encode artifact: %w", err))
	}

	final := filepath.Join(j.workspace, artifactName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return retry.Transient(fmt.Errorf("write artifact: %w", err))
	}
	if err := os.Rename(tmp, final); err != nil {
		return retry.Transient(fmt.Errorf("publish artifact: %w", err))
	}
	if err := os.Remove(filepath.Join(j.workspace, sentinelName)); err != nil && !os.IsNotExist(err) {
		j.logger.Warn("failed to remove workspace sentinel", "error", err)
	}

	j.artifact = final
	j.logger.Info("artifact persisted", "path", final)
	return nil
}

// Cleanup removes the partial workspace after a failed or cancelled
// run. A workspace holding a published artifact is left in place.
func (j *Job) Cleanup(ctx context.Context) error {
	if j.workspace == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(j.workspace, artifactName)); err == nil {
		// Artifact already published; only drop leftovers.
		var firstErr error
		for _, name := range []string{artifactName + ".tmp", sentinelName} {
			if err := os.Remove(filepath.Join(j.workspace, name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	if !strings.HasPrefix(j.workspace, j.cfg.WorkspaceRoot) {
		return fmt.Errorf("refusing to remove workspace outside root: %s", j.workspace)
	}
	return os.RemoveAll(j.workspace)
}
