// Package clustertest provides an in-memory cluster.Client for tests.
package clustertest

import (
	"context"
	"cronrun/internal/cluster"
	"cronrun/internal/manifest"
	"encoding/json"
	"fmt"
	"sync"
)

// Call records one Client method invocation.
type Call struct {
	Op        string
	Name      string
	Namespace string
}

// Client is a scripted in-memory cluster. The zero value is not usable; call New.
//
// Apply decodes manifests for real and records templates and identities, so
// GetTemplate sees what was deployed. Hooks override individual operations.
type Client struct {
	// ApplyHook runs before each Apply; a non-nil error fails the apply.
	ApplyHook func(manifest []byte) error
	// RunStatus scripts GetRun; read counts the reads of that run, starting at 1.
	RunStatus func(name string, read int) (*cluster.Run, error)
	// CreateRunErr fails every CreateRun.
	CreateRunErr error
	// ListPodsErr fails every ListPods.
	ListPodsErr error
	// PodLogErr fails every GetPodLog.
	PodLogErr error
	// DeleteErr fails deletes, keyed by "run/<name>", "template/<name>" or "identity/<name>".
	DeleteErr map[string]error
	// ReadyErr fails Ready.
	ReadyErr error

	mu         sync.Mutex
	templates  map[string]*cluster.Template
	identities map[string]bool
	runs       map[string]*cluster.Run
	reads      map[string]int
	pods       map[string][]cluster.Pod
	logs       map[string]string
	calls      []Call
	closed     bool
}

// New returns an empty cluster.
func New() *Client {
	return &Client{
		DeleteErr:  make(map[string]error),
		templates:  make(map[string]*cluster.Template),
		identities: make(map[string]bool),
		runs:       make(map[string]*cluster.Run),
		reads:      make(map[string]int),
		pods:       make(map[string][]cluster.Pod),
		logs:       make(map[string]string),
	}
}

func key(namespace, name string) string { return namespace + "/" + name }

// AddTemplate registers a template as if it had been deployed.
func (c *Client) AddTemplate(name, namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[key(namespace, name)] = &cluster.Template{
		Name:      name,
		Namespace: namespace,
		UID:       "uid-" + name,
		Spec:      json.RawMessage(`{}`),
	}
}

// AddPod attaches a pod with the given log text to a run.
func (c *Client) AddPod(runName, podName, namespace, log string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(namespace, cluster.RunSelector(runName))
	c.pods[k] = append(c.pods[k], cluster.Pod{Name: podName, Namespace: namespace})
	c.logs[key(namespace, podName)] = log
}

// Calls returns every recorded call in order.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsTo returns the recorded calls of one operation.
func (c *Client) CallsTo(op string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// HasRun reports whether a run exists.
func (c *Client) HasRun(name, namespace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[key(namespace, name)]
	return ok
}

// HasTemplate reports whether a template exists.
func (c *Client) HasTemplate(name, namespace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.templates[key(namespace, name)]
	return ok
}

// HasIdentity reports whether an identity exists.
func (c *Client) HasIdentity(name, namespace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identities[key(namespace, name)]
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) record(op, name, namespace string) {
	c.calls = append(c.calls, Call{Op: op, Name: name, Namespace: namespace})
}

func (c *Client) Apply(_ context.Context, data []byte, namespace string) ([]cluster.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Apply", "", namespace)

	if c.ApplyHook != nil {
		if err := c.ApplyHook(data); err != nil {
			return nil, err
		}
	}

	objects, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}

	resources := make([]cluster.Resource, 0, len(objects))
	for i := range objects {
		obj := &objects[i]
		obj.DefaultNamespace(namespace)
		k := key(obj.Namespace(), obj.Name())

		switch obj.Kind {
		case cluster.KindTemplate:
			spec, err := json.Marshal(obj.Object)
			if err != nil {
				return resources, err
			}
			c.templates[k] = &cluster.Template{
				Name:      obj.Name(),
				Namespace: obj.Namespace(),
				UID:       "uid-" + obj.Name(),
				Spec:      spec,
			}
		case cluster.KindIdentity:
			c.identities[k] = true
		case cluster.KindRun:
			if _, ok := c.runs[k]; ok {
				return resources, fmt.Errorf("run %s: %w", k, cluster.ErrAlreadyExists)
			}
			c.runs[k] = &cluster.Run{Name: obj.Name(), Namespace: obj.Namespace(), Phase: cluster.PhasePending}
		}
		resources = append(resources, obj.Resource())
	}
	return resources, nil
}

func (c *Client) GetTemplate(_ context.Context, name, namespace string) (*cluster.Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetTemplate", name, namespace)

	tmpl, ok := c.templates[key(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", name, cluster.ErrNotFound)
	}
	out := *tmpl
	return &out, nil
}

func (c *Client) CreateRun(_ context.Context, name, namespace string, tmpl *cluster.Template) (*cluster.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateRun", name, namespace)

	if c.CreateRunErr != nil {
		return nil, c.CreateRunErr
	}
	k := key(namespace, name)
	if _, ok := c.runs[k]; ok {
		return nil, fmt.Errorf("run %s: %w", name, cluster.ErrAlreadyExists)
	}
	run := &cluster.Run{Name: name, Namespace: namespace, Template: tmpl.Name, Phase: cluster.PhasePending}
	c.runs[k] = run
	out := *run
	return &out, nil
}

func (c *Client) GetRun(_ context.Context, name, namespace string) (*cluster.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetRun", name, namespace)

	k := key(namespace, name)
	c.reads[k]++
	if c.RunStatus != nil {
		return c.RunStatus(name, c.reads[k])
	}
	run, ok := c.runs[k]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", name, cluster.ErrNotFound)
	}
	out := *run
	return &out, nil
}

func (c *Client) ListPods(_ context.Context, namespace, selector string) ([]cluster.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ListPods", selector, namespace)

	if c.ListPodsErr != nil {
		return nil, c.ListPodsErr
	}
	return append([]cluster.Pod(nil), c.pods[key(namespace, selector)]...), nil
}

func (c *Client) GetPodLog(_ context.Context, name, namespace string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetPodLog", name, namespace)

	if c.PodLogErr != nil {
		return "", c.PodLogErr
	}
	text, ok := c.logs[key(namespace, name)]
	if !ok {
		return "", fmt.Errorf("pod %s: %w", name, cluster.ErrNotFound)
	}
	return text, nil
}

func (c *Client) DeleteRun(_ context.Context, name, namespace string) error {
	return c.delete("DeleteRun", "run", name, namespace, func(k string) bool {
		_, ok := c.runs[k]
		delete(c.runs, k)
		return ok
	})
}

func (c *Client) DeleteTemplate(_ context.Context, name, namespace string) error {
	return c.delete("DeleteTemplate", "template", name, namespace, func(k string) bool {
		_, ok := c.templates[k]
		delete(c.templates, k)
		return ok
	})
}

func (c *Client) DeleteIdentity(_ context.Context, name, namespace string) error {
	return c.delete("DeleteIdentity", "identity", name, namespace, func(k string) bool {
		ok := c.identities[k]
		delete(c.identities, k)
		return ok
	})
}

func (c *Client) Ready(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Ready", "", "")
	return c.ReadyErr
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// delete runs remove under the lock; remove reports whether the object existed.
func (c *Client) delete(op, kind, name, namespace string, remove func(key string) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(op, name, namespace)

	if err := c.DeleteErr[kind+"/"+name]; err != nil {
		return err
	}
	if !remove(key(namespace, name)) {
		return fmt.Errorf("%s %s: %w", kind, name, cluster.ErrNotFound)
	}
	return nil
}

// SucceedOnRead returns a RunStatus script that reports the run active until
// the given read, and succeeded from then on. A read of 0 never succeeds.
func SucceedOnRead(read int) func(string, int) (*cluster.Run, error) {
	return func(name string, n int) (*cluster.Run, error) {
		if read > 0 && n >= read {
			return &cluster.Run{Name: name, Phase: cluster.PhaseSucceeded, Succeeded: 1}, nil
		}
		return &cluster.Run{Name: name, Phase: cluster.PhaseActive}, nil
	}
}

var _ cluster.Client = (*Client)(nil)
