package proc

import (
	"time"

	"trainjobs/internal/config"
)

// Config holds external process backend configuration.
type Config struct {
	WorkerBin     string        // path to the trainjobs-worker binary
	WorkDir       string        // spec, result, pid and output files per job
	MaxConcurrent int           // concurrent worker processes; default 4
	Grace         time.Duration // SIGTERM to SIGKILL window; default 10s
}

// LoadConfigFromEnv loads process backend configuration from environment variables.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		WorkerBin:     config.GetEnv("PROC_WORKER_BIN", "trainjobs-worker"),
		WorkDir:       config.GetEnv("PROC_WORK_DIR", "/var/lib/trainjobs/proc"),
		MaxConcurrent: config.GetIntEnv("PROC_MAX_CONCURRENT", 4),
		Grace:         config.GetDurationEnv("PROC_GRACE", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.WorkerBin == "" {
		c.WorkerBin = "trainjobs-worker"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/var/lib/trainjobs/proc"
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 4
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	return c
}
