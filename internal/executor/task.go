package executor

import (
	"trainjobs/internal/job"
	"trainjobs/internal/pipeline"
)

// Task is one runnable unit of work for an in-process backend: the
// step pipeline to execute and a Result accessor valid after the
// pipeline succeeds.
type Task struct {
	Pipeline *pipeline.Pipeline
	Result   func() *job.Result
}

// TaskFactory builds the task for one submission. In-process backends
// call it on a worker goroutine, once per job.
type TaskFactory func(spec job.Spec, jobID string) Task
