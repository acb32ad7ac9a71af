package train

import (
	"time"

	"trainjobs/internal/config"
)

// Config holds training pipeline configuration.
type Config struct {
	WorkspaceRoot string        // per-job workspaces live under <root>/<key>/<jobID>
	HoldoutRatio  float64       // fraction of rows held out for evaluation
	StepTimeout   time.Duration // per-attempt timeout for data and train steps
}

// LoadConfigFromEnv loads training configuration from environment variables.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		WorkspaceRoot: config.GetEnv("TRAIN_WORKSPACE_ROOT", ""),
		HoldoutRatio:  config.GetFloatEnv("TRAIN_HOLDOUT_RATIO", 0.2),
		StepTimeout:   config.GetDurationEnv("TRAIN_STEP_TIMEOUT", 10*time.Minute),
	}
	return cfg.withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "/var/lib/trainjobs/workspaces"
	}
	if c.HoldoutRatio <= 0 || c.HoldoutRatio >= 1 {
		c.HoldoutRatio = 0.2
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
	return c
}
