package docker

import (
	"cronrun/internal/cluster"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/google/go-containerregistry/pkg/name"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// Labels set on every object the backend creates.
const (
	labelManagedBy = "managed-by"
	labelKind      = "cronrun.kind"
	labelNamespace = "cronrun.namespace"
	labelName      = "cronrun.name"
	labelTemplate  = "cronrun.template"
	labelSpec      = "cronrun.spec"

	managedBy = "cronrun"
)

// containerSpec is the execution spec a template holds and runs copy.
type containerSpec struct {
	Image      string            `json:"image"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        []string          `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Identity   string            `json:"identity,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// specFromPod converts the first container of a pod spec.
// The image reference is validated; the daemon receives it unchanged.
func specFromPod(pod *corev1.PodSpec, labels map[string]string) (*containerSpec, error) {
	if len(pod.Containers) == 0 {
		return nil, fmt.Errorf("pod spec has no containers")
	}
	c := pod.Containers[0]
	if _, err := name.ParseReference(c.Image); err != nil {
		return nil, fmt.Errorf("invalid image %q: %w", c.Image, err)
	}

	env := make([]string, 0, len(c.Env))
	for _, e := range c.Env {
		if e.ValueFrom != nil {
			continue
		}
		env = append(env, e.Name+"="+e.Value)
	}

	return &containerSpec{
		Image:      c.Image,
		Entrypoint: c.Command,
		Cmd:        c.Args,
		Env:        env,
		WorkingDir: c.WorkingDir,
		Identity:   pod.ServiceAccountName,
		Labels:     maps.Clone(labels),
	}, nil
}

func specFromCronJob(cj *batchv1.CronJob) (*containerSpec, error) {
	tmpl := cj.Spec.JobTemplate.Spec.Template
	return specFromPod(&tmpl.Spec, tmpl.Labels)
}

func specFromJob(job *batchv1.Job) (*containerSpec, error) {
	return specFromPod(&job.Spec.Template.Spec, job.Spec.Template.Labels)
}

// containerConfig builds the create config of a container running spec.
func (s *containerSpec) containerConfig(labels map[string]string) *container.Config {
	all := maps.Clone(s.Labels)
	if all == nil {
		all = make(map[string]string, len(labels))
	}
	maps.Copy(all, labels)
	return &container.Config{
		Image:      s.Image,
		Entrypoint: s.Entrypoint,
		Cmd:        s.Cmd,
		Env:        slices.Clone(s.Env),
		WorkingDir: s.WorkingDir,
		Labels:     all,
	}
}

func decodeSpec(raw []byte) (*containerSpec, error) {
	var spec containerSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("spec has no image")
	}
	return &spec, nil
}

func templateContainerName(namespace, name string) string {
	return namespace + "-" + name + "-template"
}

func runContainerName(namespace, name string) string {
	return namespace + "-" + name
}

func identityVolumeName(namespace, name string) string {
	return "cronrun-" + namespace + "-" + name
}

func baseLabels(kind cluster.Kind, namespace, name string) map[string]string {
	return map[string]string{
		labelManagedBy: managedBy,
		labelKind:      strings.ToLower(string(kind)),
		labelNamespace: namespace,
		labelName:      name,
	}
}

func runLabels(namespace, name, template string) map[string]string {
	labels := baseLabels(cluster.KindRun, namespace, name)
	labels[cluster.RunLabel] = name
	if template != "" {
		labels[labelTemplate] = template
	}
	return labels
}

// runFromState maps a container state to a run.
// Only a clean exit counts as a success.
func runFromState(name, namespace, template string, state *container.State) *cluster.Run {
	run := &cluster.Run{Name: name, Namespace: namespace, Template: template, Phase: cluster.PhasePending}
	if state == nil {
		return run
	}
	switch {
	case state.Running:
		run.Phase = cluster.PhaseActive
	case string(state.Status) == "created":
		run.Phase = cluster.PhasePending
	case string(state.Status) == "exited" && state.ExitCode == 0:
		run.Phase = cluster.PhaseSucceeded
		run.Succeeded = 1
	default:
		run.Phase = cluster.PhaseFailed
	}
	return run
}
