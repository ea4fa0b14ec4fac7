package dispatcher

import (
	"cronrun/internal/config"
	"time"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 256)
	Workers     int           // delivery goroutines (default: 1, preserves event order)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxFailures int           // consecutive failures before delivery is muted (default: 5)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 256),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 1),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxFailures: config.GetIntEnv("DISPATCHER_MAX_FAILURES", 5),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}
