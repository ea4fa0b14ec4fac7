// Package kubernetes implements cluster.Client on top of client-go.
//
// Templates are CronJobs, runs are Jobs, identities are ServiceAccounts.
package kubernetes

import (
	"context"
	"cronrun/internal/cluster"
	"cronrun/internal/manifest"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const (
	// InstantiateAnnotation marks jobs created by hand from a CronJob.
	InstantiateAnnotation = "cronjob.kubernetes.io/instantiate"
	instantiateManual     = "manual"

	userAgent = "cronrun"
)

// Client is a Kubernetes backend.
type Client struct {
	clientset kubernetes.Interface
	logger    *slog.Logger
}

// New wraps an existing clientset.
func New(clientset kubernetes.Interface) *Client {
	return &Client{
		clientset: clientset,
		logger:    slog.With("component", "kubernetes"),
	}
}

// NewFromKubeconfig builds a client from a kubeconfig file and context.
// Empty values fall back to the default loading rules, then to the in-cluster config.
// A path list in KUBECONFIG form is merged like kubectl does.
// The returned namespace is the one selected by the kubeconfig context.
func NewFromKubeconfig(kubeconfig, kubeContext string) (*Client, string, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	switch paths := filepath.SplitList(kubeconfig); {
	case len(paths) > 1:
		rules.Precedence = paths
	case kubeconfig != "":
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	restConfig.UserAgent = userAgent

	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve namespace: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create clientset: %w", err)
	}
	return New(clientset), namespace, nil
}

// Apply creates every object in the manifest, replacing objects that already exist.
// Jobs are create-only.
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
			err = upsert[*corev1.ServiceAccount](ctx, c.clientset.CoreV1().ServiceAccounts(ns), o)
		case *batchv1.CronJob:
			err = upsert[*batchv1.CronJob](ctx, c.clientset.BatchV1().CronJobs(ns), o)
		case *batchv1.Job:
			_, err = c.clientset.BatchV1().Jobs(ns).Create(ctx, o, metav1.CreateOptions{})
		case *corev1.ConfigMap:
			err = upsert[*corev1.ConfigMap](ctx, c.clientset.CoreV1().ConfigMaps(ns), o)
		case *corev1.Secret:
			err = upsert[*corev1.Secret](ctx, c.clientset.CoreV1().Secrets(ns), o)
		case *rbacv1.Role:
			err = upsert[*rbacv1.Role](ctx, c.clientset.RbacV1().Roles(ns), o)
		case *rbacv1.RoleBinding:
			err = upsert[*rbacv1.RoleBinding](ctx, c.clientset.RbacV1().RoleBindings(ns), o)
		default:
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

type object interface {
	GetName() string
	GetResourceVersion() string
	SetResourceVersion(string)
}

type resourceClient[T object] interface {
	Create(ctx context.Context, obj T, opts metav1.CreateOptions) (T, error)
	Update(ctx context.Context, obj T, opts metav1.UpdateOptions) (T, error)
	Get(ctx context.Context, name string, opts metav1.GetOptions) (T, error)
}

// upsert creates obj, or replaces the live object when one with the same name exists.
func upsert[T object](ctx context.Context, rc resourceClient[T], obj T) error {
	_, err := rc.Create(ctx, obj, metav1.CreateOptions{})
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	live, err := rc.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if err != nil {
		return err
	}
	obj.SetResourceVersion(live.GetResourceVersion())
	_, err = rc.Update(ctx, obj, metav1.UpdateOptions{})
	return err
}

// GetTemplate reads a CronJob. The template spec is its job template.
func (c *Client) GetTemplate(ctx context.Context, name, namespace string) (*cluster.Template, error) {
	cronJob, err := c.clientset.BatchV1().CronJobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, normalize(err)
	}

	spec, err := json.Marshal(cronJob.Spec.JobTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job template: %w", err)
	}

	return &cluster.Template{
		Name:      cronJob.Name,
		Namespace: cronJob.Namespace,
		UID:       string(cronJob.UID),
		Spec:      spec,
	}, nil
}

// CreateRun submits a Job built from the template's job template,
// annotated and owned the way kubectl create job --from=cronjob/<name> does it.
func (c *Client) CreateRun(ctx context.Context, name, namespace string, tmpl *cluster.Template) (*cluster.Run, error) {
	var jobTemplate batchv1.JobTemplateSpec
	if err := json.Unmarshal(tmpl.Spec, &jobTemplate); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", tmpl.Name, err)
	}

	annotations := map[string]string{InstantiateAnnotation: instantiateManual}
	maps.Copy(annotations, jobTemplate.Annotations)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Labels:      jobTemplate.Labels,
			Annotations: annotations,
		},
		Spec: jobTemplate.Spec,
	}
	if tmpl.UID != "" {
		job.OwnerReferences = []metav1.OwnerReference{{
			APIVersion: batchv1.SchemeGroupVersion.String(),
			Kind:       "CronJob",
			Name:       tmpl.Name,
			UID:        types.UID(tmpl.UID),
			Controller: ptr.To(true),
		}}
	}

	created, err := c.clientset.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, normalize(err)
	}
	return runFromJob(created), nil
}

// GetRun reads a Job's status.
func (c *Client) GetRun(ctx context.Context, name, namespace string) (*cluster.Run, error) {
	job, err := c.clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, normalize(err)
	}
	return runFromJob(job), nil
}

// ListPods lists pods matching selector.
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]cluster.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, normalize(err)
	}

	pods := make([]cluster.Pod, 0, len(list.Items))
	for _, pod := range list.Items {
		pods = append(pods, cluster.Pod{Name: pod.Name, Namespace: pod.Namespace})
	}
	return pods, nil
}

// GetPodLog returns the log of a pod's only (or default) container.
func (c *Client) GetPodLog(ctx context.Context, name, namespace string) (string, error) {
	raw, err := c.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{}).DoRaw(ctx)
	if err != nil {
		return "", normalize(err)
	}
	return string(raw), nil
}

// DeleteRun deletes a Job; its pods are garbage collected in the background.
func (c *Client) DeleteRun(ctx context.Context, name, namespace string) error {
	policy := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	return normalize(err)
}

// DeleteTemplate deletes a CronJob.
func (c *Client) DeleteTemplate(ctx context.Context, name, namespace string) error {
	return normalize(c.clientset.BatchV1().CronJobs(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

// DeleteIdentity deletes a ServiceAccount.
func (c *Client) DeleteIdentity(ctx context.Context, name, namespace string) error {
	return normalize(c.clientset.CoreV1().ServiceAccounts(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

// Ready asks the API server for its version. The request ends with ctx.
func (c *Client) Ready(ctx context.Context) error {
	discovery := c.clientset.Discovery()
	if rc := discovery.RESTClient(); rc != nil {
		if err := rc.Get().AbsPath("/version").Do(ctx).Error(); err != nil {
			return fmt.Errorf("api server unreachable: %w", err)
		}
		return nil
	}

	// without a REST client only the context-free call is available
	done := make(chan error, 1)
	go func() {
		_, err := discovery.ServerVersion()
		done <- err
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("api server unreachable: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("api server unreachable: %w", err)
		}
		return nil
	}
}

// Close is a no-op; client-go holds no resources that need releasing.
func (c *Client) Close() error {
	return nil
}

func runFromJob(job *batchv1.Job) *cluster.Run {
	run := &cluster.Run{
		Name:      job.Name,
		Namespace: job.Namespace,
		Succeeded: job.Status.Succeeded,
		Phase:     jobPhase(job),
	}
	if job.Spec.Completions != nil {
		run.Completions = *job.Spec.Completions
	}
	for _, ref := range job.OwnerReferences {
		if ref.Kind == "CronJob" {
			run.Template = ref.Name
			break
		}
	}
	return run
}

func jobPhase(job *batchv1.Job) cluster.Phase {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return cluster.PhaseSucceeded
		case batchv1.JobFailed:
			return cluster.PhaseFailed
		}
	}
	if job.Status.Active > 0 {
		return cluster.PhaseActive
	}
	return cluster.PhasePending
}

// normalize maps API status errors onto the cluster sentinels, keeping the original as a cause.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %w", cluster.ErrNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %w", cluster.ErrAlreadyExists, err)
	default:
		return err
	}
}

var _ cluster.Client = (*Client)(nil)
