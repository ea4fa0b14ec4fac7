// Package apperrors provides structured pipeline errors with fatal/recoverable classification.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrDeployment   = errors.New("deployment failed")
	ErrRunCreation  = errors.New("run creation failed")
	ErrRunTimeout   = errors.New("run timed out")
	ErrLogRetrieval = errors.New("log retrieval failed")
	ErrTeardown     = errors.New("teardown failed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "namespace", "runs[0].template")
	Resource string // Kind of object involved (e.g., "manifest", "run", "identity")
	Name     string // Name of the object involved
	Op       string // Operation that failed (e.g., "cluster.createRun")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// the error kind as well as backend conditions such as context.Canceled.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Deployment creates a fatal error for a manifest that could not be applied.
func Deployment(path string, cause error) error {
	return &Error{
		Sentinel: ErrDeployment,
		Message:  fmt.Sprintf("deploy %s: %v", path, cause),
		Resource: "manifest",
		Name:     path,
		Op:       "cluster.apply",
		Cause:    cause,
	}
}

// Preflight creates a fatal error for a cluster that is not reachable before deployment.
func Preflight(cause error) error {
	return &Error{
		Sentinel: ErrDeployment,
		Message:  fmt.Sprintf("cluster not ready: %v", cause),
		Resource: "cluster",
		Op:       "cluster.ready",
		Cause:    cause,
	}
}

// RunCreation creates a fatal error for a run that could not be instantiated.
func RunCreation(run, template, op string, cause error) error {
	return &Error{
		Sentinel: ErrRunCreation,
		Message:  fmt.Sprintf("create run %s from template %s: %v", run, template, cause),
		Resource: "run",
		Name:     run,
		Op:       op,
		Cause:    cause,
	}
}

// RunTimeout creates a fatal error for a run that did not succeed before its deadline.
// cause is non-nil when the wait was interrupted rather than exhausted.
func RunTimeout(run string, timeout time.Duration, attempts int, cause error) error {
	msg := fmt.Sprintf("run %s did not succeed within %s (%d status reads)", run, timeout, attempts)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrRunTimeout,
		Message:  msg,
		Resource: "run",
		Name:     run,
		Op:       "watch",
		Cause:    cause,
	}
}

// LogRetrieval creates a recoverable error for run output that could not be read.
func LogRetrieval(run, op string, cause error) error {
	return &Error{
		Sentinel: ErrLogRetrieval,
		Message:  fmt.Sprintf("retrieve logs for run %s: %v", run, cause),
		Resource: "run",
		Name:     run,
		Op:       op,
		Cause:    cause,
	}
}

// Teardown creates a recoverable error for an object that could not be deleted.
func Teardown(resource, name string, cause error) error {
	return &Error{
		Sentinel: ErrTeardown,
		Message:  fmt.Sprintf("delete %s %s: %v", resource, name, cause),
		Resource: resource,
		Name:     name,
		Op:       "cluster.delete",
		Cause:    cause,
	}
}
