// Package job drives the run lifecycle: deploy templates, derive one-shot runs
// from them, wait for completion, collect output and tear everything down.
package job

import (
	"cronrun/internal/cluster"
	"errors"
)

// State is where a run is in the pipeline. Transitions only move forward.
type State string

const (
	StateUndeployed       State = "undeployed"
	StateTemplateDeployed State = "template-deployed"
	StateRunCreated       State = "run-created"
	StateWatching         State = "watching"
	StateSucceeded        State = "succeeded"
	StateTimedOut         State = "timed-out"
	StateLogsCollected    State = "logs-collected"
	StateTornDown         State = "torn-down"
)

// RunResult is the outcome of one run request.
type RunResult struct {
	Template string
	Name     string
	State    State
	Attempts int    // status reads performed by the watcher
	Output   string // log text, empty if none was found
	Err      error  // fatal: creation failure or timeout
	LogErr   error  // recoverable: log retrieval failure
}

// Created reports whether the run exists on the cluster.
func (r *RunResult) Created() bool {
	switch r.State {
	case StateUndeployed, StateTemplateDeployed:
		return false
	default:
		return true
	}
}

// Report summarises one pipeline invocation.
type Report struct {
	Deployed    []cluster.Resource
	Runs        []RunResult
	Declined    bool // the deployment gate was not confirmed
	TornDown    bool
	TeardownErr error
}

// Err joins every error recorded in the report, fatal or not.
func (r *Report) Err() error {
	var errs []error
	for _, run := range r.Runs {
		errs = append(errs, run.Err, run.LogErr)
	}
	errs = append(errs, r.TeardownErr)
	return errors.Join(errs...)
}
