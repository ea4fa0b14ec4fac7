// Package health checks that the cluster control plane is reachable, both as a
// pipeline preflight and as the /readyz endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

var errNotConfigured = errors.New("cluster client not configured")

// ReadinessChecker is implemented by cluster clients.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the readiness response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker probes the cluster.
type Checker struct {
	cluster  ReadinessChecker
	timeout  time.Duration
	cacheTTL time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	cached    *Response
}

// NewChecker creates a checker with a 5s probe timeout.
func NewChecker(cluster ReadinessChecker) *Checker {
	return &Checker{
		cluster:  cluster,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Preflight probes the cluster now, bypassing the cache.
func (c *Checker) Preflight(ctx context.Context) error {
	if c.cluster == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.cluster.Ready(ctx)
}

// Readiness reports cluster reachability. Results are cached briefly so
// scrapes do not hammer the control plane.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	check := CheckResult{Status: StatusHealthy}
	if err := c.Preflight(ctx); err != nil {
		check = CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	response := &Response{
		Status: check.Status,
		Checks: map[string]CheckResult{"cluster": check},
	}

	c.mu.Lock()
	c.cached = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// ServeHTTP writes the readiness response; 503 when unhealthy.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := c.Readiness(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !response.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}
