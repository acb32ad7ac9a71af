package pool

import (
	"trainjobs/internal/config"
)

// Config holds worker pool configuration.
type Config struct {
	Workers    int // concurrent jobs; default 2
	QueueDepth int // pending jobs beyond the running set; default 8
}

// LoadConfigFromEnv loads pool configuration from environment variables.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Workers:    config.GetIntEnv("POOL_WORKERS", 2),
		QueueDepth: config.GetIntEnv("POOL_QUEUE_DEPTH", 8),
	}
	return cfg.withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.Workers < 1 {
		c.Workers = 2
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = 8
	}
	return c
}
