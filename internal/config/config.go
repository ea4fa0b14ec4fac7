// Package config provides configuration loading from environment variables and plan files.
package config

import (
	"time"
)

// Supported cluster backends.
const (
	BackendKubernetes = "kubernetes"
	BackendDocker     = "docker"
)

// Config holds process-level configuration for cronrun.
type Config struct {
	Backend      string        // Cluster backend: kubernetes or docker
	Kubeconfig   string        // Explicit kubeconfig path (empty uses default loading rules)
	KubeContext  string        // Kubeconfig context override
	Namespace    string        // Namespace override for the plan
	Timeout      time.Duration // Run timeout override (0 keeps the plan value)
	PollInterval time.Duration // Poll interval override (0 keeps the plan value)
	MetricsAddr  string        // Address for the metrics/readiness server (empty disables it)
	CallbackURL  string        // Webhook receiving run lifecycle events (empty disables it)
	CallbackKey  string        // HMAC key for webhook signatures
	LogLevel     string
	LogFormat    string // json or text
	TraceStdout  bool   // Export trace spans to stdout
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Backend:      GetEnv("CLUSTER_BACKEND", BackendKubernetes),
		Kubeconfig:   GetEnv("KUBECONFIG", ""),
		KubeContext:  GetEnv("KUBE_CONTEXT", ""),
		Namespace:    GetEnv("NAMESPACE", ""),
		Timeout:      GetDurationEnv("RUN_TIMEOUT", 0),
		PollInterval: GetDurationEnv("POLL_INTERVAL", 0),
		MetricsAddr:  GetEnv("METRICS_ADDR", ""),
		CallbackURL:  GetEnv("CALLBACK_URL", ""),
		CallbackKey:  GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),
		LogLevel:     GetEnv("LOG_LEVEL", "info"),
		LogFormat:    GetEnv("LOG_FORMAT", "json"),
		TraceStdout:  GetBoolEnv("OTEL_TRACES_STDOUT", false),
	}
}
