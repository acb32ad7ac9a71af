// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the trainjobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	Backend           string        // Executor backend: "pool", "proc" or "docker"
	DataDir           string        // Root for history logs and job workspaces
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Backend:           GetEnv("EXECUTOR_BACKEND", "pool"),
		DataDir:           GetEnv("DATA_DIR", "/var/lib/trainjobs"),
	}
}
