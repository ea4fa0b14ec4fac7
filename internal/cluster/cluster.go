// Package cluster defines the Client interface the pipeline uses to reach a cluster control plane,
// and the minimal resource model the pipeline inspects.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
)

// Errors returned (possibly wrapped) by Client implementations.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrAlreadyExists   = errors.New("resource already exists")
	ErrUnsupportedKind = errors.New("unsupported resource kind")
)

// RunLabel is the pod label that associates a workload with the run that owns it.
const RunLabel = "job-name"

// RunSelector returns the label selector matching the pods of a run.
func RunSelector(runName string) string {
	return RunLabel + "=" + runName
}

// Client is the capability set the pipeline needs from a cluster.
//
// Implementations are stateless handles: every call goes to the control plane,
// which is the source of truth for templates, runs and identities.
type Client interface {
	// Apply creates (or replaces) every object in a manifest.
	// Objects without a namespace are placed in namespace.
	Apply(ctx context.Context, manifest []byte, namespace string) ([]Resource, error)

	// GetTemplate returns a deployed template.
	// Returns an error wrapping ErrNotFound if it does not exist.
	GetTemplate(ctx context.Context, name, namespace string) (*Template, error)

	// CreateRun submits a one-shot run derived from tmpl.
	// Returns an error wrapping ErrAlreadyExists if the name is taken.
	CreateRun(ctx context.Context, name, namespace string, tmpl *Template) (*Run, error)

	// GetRun returns the current status of a run.
	GetRun(ctx context.Context, name, namespace string) (*Run, error)

	// ListPods returns the pods matching a label selector.
	ListPods(ctx context.Context, namespace, selector string) ([]Pod, error)

	// GetPodLog returns the full log text of a pod.
	GetPodLog(ctx context.Context, name, namespace string) (string, error)

	// DeleteRun deletes a run and the pods backing it.
	DeleteRun(ctx context.Context, name, namespace string) error

	// DeleteTemplate deletes a template.
	DeleteTemplate(ctx context.Context, name, namespace string) error

	// DeleteIdentity deletes an identity.
	DeleteIdentity(ctx context.Context, name, namespace string) error

	// Ready checks if the control plane is reachable.
	Ready(ctx context.Context) error

	// Close releases resources held by the client.
	Close() error
}

// Kind tags a resource with the role it plays in the pipeline.
type Kind string

const (
	KindIdentity   Kind = "Identity"
	KindTemplate   Kind = "Template"
	KindRun        Kind = "Run"
	KindSupporting Kind = "Supporting" // e.g. RBAC bindings or config the workloads need
)

// Resource is an object produced by Apply.
type Resource struct {
	Kind      Kind
	APIKind   string // control-plane kind, e.g. "CronJob"
	Name      string
	Namespace string
}

// Template is a recurring definition that runs are derived from.
// Spec is opaque to the pipeline; only the backend that produced it interprets it.
type Template struct {
	Name      string
	Namespace string
	UID       string
	Spec      json.RawMessage
}

// Phase is the lifecycle phase of a run.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseActive    Phase = "Active"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// Run is a single instantiated execution of a template.
type Run struct {
	Name        string
	Namespace   string
	Template    string
	Phase       Phase
	Succeeded   int32
	Completions int32 // requested successful completions, 0 if unset
}

// Required returns the succeeded count at which the run is complete.
func (r *Run) Required() int32 {
	if r.Completions > 1 {
		return r.Completions
	}
	return 1
}

// Done reports whether the run reached its required succeeded count.
func (r *Run) Done() bool {
	return r.Succeeded >= r.Required()
}

// Pod is a workload instance backing a run.
type Pod struct {
	Name      string
	Namespace string
}
