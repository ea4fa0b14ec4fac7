// Package docker implements cluster.Client on a single Docker daemon.
//
// A template is a container that is created but never started; its label
// carries the execution spec. A run is a started container copying that spec,
// an identity is a named volume mounted into runs, and a run's only pod is its
// own container.
package docker

import (
	"bytes"
	"context"
	"cronrun/internal/cluster"
	"cronrun/internal/manifest"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// Client is a Docker backend.
type Client struct {
	client        *client.Client
	identityMount string
	pullImages    bool
	logger        *slog.Logger
}

// New connects to the daemon named by the DOCKER_* environment.
func New(cfg Config) (*Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	identityMount := cfg.IdentityMount
	if identityMount == "" {
		identityMount = DefaultIdentityMount
	}

	return &Client{
		client:        dockerClient,
		identityMount: identityMount,
		pullImages:    cfg.PullImages,
		logger:        slog.With("component", "docker"),
	}, nil
}

// Apply creates every object in the manifest. Templates are replaced, identity
// volumes are reused and runs are create-only. Supporting objects have no
// Docker equivalent and are skipped.
func (c *Client) Apply(ctx context.Context, data []byte, namespace string) ([]cluster.Resource, error) {
	objects, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}

	applied := make([]cluster.Resource, 0, len(objects))
	for i := range objects {
		obj := &objects[i]
		obj.DefaultNamespace(namespace)
		ns := obj.Namespace()

		switch o := obj.Object.(type) {
		case *corev1.ServiceAccount:
			err = c.createIdentity(ctx, ns, o.Name)
		case *batchv1.CronJob:
			err = c.replaceTemplate(ctx, ns, o)
		case *batchv1.Job:
			var spec *containerSpec
			if spec, err = specFromJob(o); err == nil {
				err = c.createRun(ctx, ns, o.Name, "", spec)
			}
		default:
			if obj.Kind == cluster.KindSupporting {
				c.logger.Info("Object has no Docker equivalent, skipped", "kind", obj.APIKind(), "name", obj.Name())
				continue
			}
			err = cluster.ErrUnsupportedKind
		}
		if err != nil {
			return applied, fmt.Errorf("apply %s %s/%s: %w", obj.APIKind(), ns, obj.Name(), normalize(err))
		}

		c.logger.Debug("applied object", "kind", obj.APIKind(), "name", obj.Name(), "namespace", ns)
		applied = append(applied, obj.Resource())
	}
	return applied, nil
}

func (c *Client) createIdentity(ctx context.Context, namespace, name string) error {
	_, err := c.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   identityVolumeName(namespace, name),
		Labels: baseLabels(cluster.KindIdentity, namespace, name),
	})
	return err
}

func (c *Client) replaceTemplate(ctx context.Context, namespace string, cj *batchv1.CronJob) error {
	spec, err := specFromCronJob(cj)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if err := c.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return fmt.Errorf("pull %s: %w", spec.Image, err)
	}

	containerName := templateContainerName(namespace, cj.Name)
	err = c.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}

	labels := baseLabels(cluster.KindTemplate, namespace, cj.Name)
	labels[labelSpec] = string(raw)
	_, err = c.client.ContainerCreate(ctx, spec.containerConfig(labels), &container.HostConfig{}, nil, nil, containerName)
	return err
}

// GetTemplate reads the spec label of a template container.
func (c *Client) GetTemplate(ctx context.Context, name, namespace string) (*cluster.Template, error) {
	inspect, err := c.client.ContainerInspect(ctx, templateContainerName(namespace, name))
	if err != nil {
		return nil, normalize(err)
	}
	if inspect.Config == nil || inspect.Config.Labels[labelSpec] == "" {
		return nil, fmt.Errorf("container %s is not a template: %w", name, cluster.ErrNotFound)
	}

	return &cluster.Template{
		Name:      name,
		Namespace: namespace,
		UID:       inspect.ID,
		Spec:      json.RawMessage(inspect.Config.Labels[labelSpec]),
	}, nil
}

// CreateRun creates and starts a container from the template's spec.
func (c *Client) CreateRun(ctx context.Context, name, namespace string, tmpl *cluster.Template) (*cluster.Run, error) {
	spec, err := decodeSpec(tmpl.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", tmpl.Name, err)
	}
	if err := c.createRun(ctx, namespace, name, tmpl.Name, spec); err != nil {
		return nil, normalize(err)
	}
	return &cluster.Run{Name: name, Namespace: namespace, Template: tmpl.Name, Phase: cluster.PhasePending}, nil
}

// createRun removes the container again if it cannot be started.
func (c *Client) createRun(ctx context.Context, namespace, name, template string, spec *containerSpec) error {
	if err := c.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return fmt.Errorf("pull %s: %w", spec.Image, err)
	}

	hostConfig := &container.HostConfig{}
	if spec.Identity != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: identityVolumeName(namespace, spec.Identity),
			Target: c.identityMount,
		}}
	}

	resp, err := c.client.ContainerCreate(ctx, spec.containerConfig(runLabels(namespace, name, template)),
		hostConfig, nil, nil, runContainerName(namespace, name))
	if err != nil {
		return err
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return err
	}
	return nil
}

// GetRun maps the run container's state.
func (c *Client) GetRun(ctx context.Context, name, namespace string) (*cluster.Run, error) {
	inspect, err := c.client.ContainerInspect(ctx, runContainerName(namespace, name))
	if err != nil {
		return nil, normalize(err)
	}

	var template string
	if inspect.Config != nil {
		template = inspect.Config.Labels[labelTemplate]
	}
	var state *container.State
	if inspect.ContainerJSONBase != nil {
		state = inspect.State
	}
	return runFromState(name, namespace, template, state), nil
}

// ListPods lists the containers of a namespace matching an equality label selector.
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]cluster.Pod, error) {
	args := filters.NewArgs(
		filters.Arg("label", labelManagedBy+"="+managedBy),
		filters.Arg("label", labelNamespace+"="+namespace),
	)
	for _, term := range strings.Split(selector, ",") {
		if term = strings.TrimSpace(term); term != "" {
			args.Add("label", term)
		}
	}

	containers, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}

	pods := make([]cluster.Pod, 0, len(containers))
	for _, ctr := range containers {
		pods = append(pods, cluster.Pod{Name: containerName(ctr), Namespace: namespace})
	}
	return pods, nil
}

// GetPodLog returns the container's stdout and stderr, demultiplexed.
func (c *Client) GetPodLog(ctx context.Context, name, _ string) (string, error) {
	logs, err := c.client.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", normalize(err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return buf.String(), nil
}

// DeleteRun force-removes the run container.
func (c *Client) DeleteRun(ctx context.Context, name, namespace string) error {
	return c.removeContainer(ctx, runContainerName(namespace, name))
}

// DeleteTemplate removes the template container.
func (c *Client) DeleteTemplate(ctx context.Context, name, namespace string) error {
	return c.removeContainer(ctx, templateContainerName(namespace, name))
}

// DeleteIdentity removes the identity volume.
func (c *Client) DeleteIdentity(ctx context.Context, name, namespace string) error {
	return normalize(c.client.VolumeRemove(ctx, identityVolumeName(namespace, name), true))
}

// Ready checks if the Docker daemon is reachable and responsive.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.client.Ping(ctx)
	return err
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) removeContainer(ctx context.Context, name string) error {
	return normalize(c.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}))
}

// pullImageIfNeeded pulls with a detached context so a short caller deadline
// does not abort a large pull halfway.
func (c *Client) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if !c.pullImages {
		return nil
	}
	if _, err := c.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	c.logger.Info("Pulling image", "image", imageName)
	reader, err := c.client.ImagePull(context.WithoutCancel(ctx), imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func containerName(ctr container.Summary) string {
	if len(ctr.Names) == 0 {
		return ctr.ID
	}
	return strings.TrimPrefix(ctr.Names[0], "/")
}

func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", cluster.ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %w", cluster.ErrAlreadyExists, err)
	default:
		return err
	}
}

var _ cluster.Client = (*Client)(nil)
