package orchestrator

import (
	"time"

	"trainjobs/internal/config"
)

// Config holds orchestrator tuning knobs.
type Config struct {
	BackendName         string        // backend label on job metrics
	DispatchInterval    time.Duration // redial cadence while the backend is saturated (default: 500ms)
	PollInterval        time.Duration // backend poll cadence for dispatched jobs (default: 250ms)
	StartTimeout        time.Duration // max time a dispatched job may stay pending (default: 30s)
	Retention           time.Duration // how long terminal records stay queryable in memory (default: 1h)
	MaintenanceInterval time.Duration // eviction sweep cadence (default: 1m)
	EventSource         string        // CloudEvents source attribute (default: "trainjobs/service")
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BackendName:         config.GetEnv("EXECUTOR_BACKEND", "pool"),
		DispatchInterval:    config.GetDurationEnv("ORCHESTRATOR_DISPATCH_INTERVAL", 500*time.Millisecond),
		PollInterval:        config.GetDurationEnv("ORCHESTRATOR_POLL_INTERVAL", 250*time.Millisecond),
		StartTimeout:        config.GetDurationEnv("ORCHESTRATOR_START_TIMEOUT", 30*time.Second),
		Retention:           config.GetDurationEnv("ORCHESTRATOR_RETENTION", time.Hour),
		MaintenanceInterval: config.GetDurationEnv("ORCHESTRATOR_MAINTENANCE_INTERVAL", time.Minute),
		EventSource:         config.GetEnv("ORCHESTRATOR_EVENT_SOURCE", "trainjobs/service"),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BackendName == "" {
		c.BackendName = "pool"
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.EventSource == "" {
		c.EventSource = "trainjobs/service"
	}
	return c
}
