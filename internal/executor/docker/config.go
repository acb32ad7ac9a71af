package docker

import (
	"time"

	"trainjobs/internal/config"
)

// Config holds configuration for the container executor backend.
type Config struct {
	Image         string        // worker image; must contain the trainjobs-worker binary
	WorkDir       string        // host directory for spec/result handoff files
	MountPath     string        // where WorkDir is mounted inside the container
	MaxConcurrent int           // concurrent job containers; default 4
	StopGrace     time.Duration // stop timeout before the daemon kills the container
}

// LoadConfigFromEnv loads container backend configuration from environment variables.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Image:         config.GetEnv("DOCKER_WORKER_IMAGE", "trainjobs-worker:latest"),
		WorkDir:       config.GetEnv("DOCKER_WORK_DIR", "/var/lib/trainjobs/docker"),
		MountPath:     config.GetEnv("DOCKER_MOUNT_PATH", "/job"),
		MaxConcurrent: config.GetIntEnv("DOCKER_MAX_CONCURRENT", 4),
		StopGrace:     config.GetDurationEnv("DOCKER_STOP_GRACE", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.Image == "" {
		c.Image = "trainjobs-worker:latest"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/var/lib/trainjobs/docker"
	}
	if c.MountPath == "" {
		c.MountPath = "/job"
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 4
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	return c
}
