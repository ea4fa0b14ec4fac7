package config

import (
	"cronrun/internal/apperrors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// Plan defaults
const (
	DefaultTimeout      = 300 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Validation limits
const (
	maxNameLength = 63
	maxRuns       = 64
	maxTimeout    = 24 * time.Hour
)

// namePattern is the DNS-1123 label format shared by every object name the plan refers to.
var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Plan describes one invocation: what to deploy, which runs to derive, and how long to wait.
type Plan struct {
	Namespace    string        `yaml:"namespace"`
	Warning      string        `yaml:"warning"`
	Identity     string        `yaml:"identity"`
	Manifests    []string      `yaml:"manifests"`
	Runs         []RunRequest  `yaml:"runs"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// RunRequest names the template a run is derived from and the run itself.
// An empty Name is generated at instantiation time.
type RunRequest struct {
	Template string `yaml:"template"`
	Name     string `yaml:"name"`
}

// ParsePlan parses a YAML plan, expanding ${VAR} references from the environment.
// Relative manifest paths are resolved against baseDir.
func ParsePlan(b []byte, baseDir string) (*Plan, error) {
	expanded, err := envsubst.EvalEnv(string(b))
	if err != nil {
		return nil, fmt.Errorf("failed to expand plan: %w", err)
	}

	p := &Plan{}
	if err := yaml.Unmarshal([]byte(expanded), p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	for i, m := range p.Manifests {
		if m != "" && !filepath.IsAbs(m) && baseDir != "" {
			p.Manifests[i] = filepath.Join(baseDir, m)
		}
	}
	return p, nil
}

// PlanFromFile reads and parses a plan file.
func PlanFromFile(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlan(b, filepath.Dir(path))
}

// Apply overlays non-empty process configuration onto the plan.
func (p *Plan) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Namespace != "" {
		p.Namespace = cfg.Namespace
	}
	if cfg.Timeout > 0 {
		p.Timeout = cfg.Timeout
	}
	if cfg.PollInterval > 0 {
		p.PollInterval = cfg.PollInterval
	}
}

// ApplyDefaults sets default values for unspecified plan fields.
func (p *Plan) ApplyDefaults() {
	if p.Namespace == "" {
		p.Namespace = "default"
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
}

// Validate validates a plan. Does not modify it.
func (p *Plan) Validate() error {
	if !namePattern.MatchString(p.Namespace) || len(p.Namespace) > maxNameLength {
		return apperrors.Validation("namespace", fmt.Sprintf("namespace %q is not a valid name", p.Namespace))
	}
	if p.Identity != "" && !validName(p.Identity) {
		return apperrors.Validation("identity", fmt.Sprintf("identity %q is not a valid name", p.Identity))
	}

	for i, m := range p.Manifests {
		if m == "" {
			return apperrors.Validation(fmt.Sprintf("manifests[%d]", i), "manifest path is required")
		}
	}

	if len(p.Runs) == 0 {
		return apperrors.Validation("runs", "at least one run is required")
	}
	if len(p.Runs) > maxRuns {
		return apperrors.Validation("runs", fmt.Sprintf("runs exceed maximum of %d", maxRuns))
	}
	seen := make(map[string]bool, len(p.Runs))
	for i, r := range p.Runs {
		field := fmt.Sprintf("runs[%d]", i)
		if r.Template == "" {
			return apperrors.Validation(field+".template", "template is required")
		}
		if !validName(r.Template) {
			return apperrors.Validation(field+".template", fmt.Sprintf("template %q is not a valid name", r.Template))
		}
		if r.Name == "" {
			continue
		}
		if !validName(r.Name) {
			return apperrors.Validation(field+".name", fmt.Sprintf("run name %q is not a valid name", r.Name))
		}
		if seen[r.Name] {
			return apperrors.Validation(field+".name", fmt.Sprintf("run name %q is used more than once", r.Name))
		}
		seen[r.Name] = true
	}

	if p.Timeout <= 0 || p.Timeout > maxTimeout {
		return apperrors.Validation("timeout", fmt.Sprintf("timeout must be between 0 and %s", maxTimeout))
	}
	if p.PollInterval <= 0 {
		return apperrors.Validation("pollInterval", "poll interval must be positive")
	}
	if p.PollInterval > p.Timeout {
		return apperrors.Validation("pollInterval", "poll interval must not exceed the timeout")
	}
	return nil
}

func validName(name string) bool {
	return len(name) <= maxNameLength && namePattern.MatchString(name)
}
