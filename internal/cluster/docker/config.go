package docker

import "cronrun/internal/config"

// DefaultIdentityMount is where an identity volume is mounted in run containers.
const DefaultIdentityMount = "/var/run/cronrun/identity"

// Config holds configuration for the Docker backend.
type Config struct {
	IdentityMount string // Mount path of the identity volume inside run containers
	PullImages    bool   // Pull template images that are missing locally
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		IdentityMount: config.GetEnv("DOCKER_IDENTITY_MOUNT", DefaultIdentityMount),
		PullImages:    config.GetBoolEnv("DOCKER_PULL_IMAGES", true),
	}
}
