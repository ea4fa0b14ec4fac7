package kubernetes

import (
	"context"
	"cronrun/internal/cluster"
	"errors"
	"fmt"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"
)

const testManifest = `
apiVersion: v1
kind: ServiceAccount
metadata:
  name: runner
---
apiVersion: batch/v1
kind: CronJob
metadata:
  name: nightly
spec:
  schedule: "%s"
  jobTemplate:
    spec:
      template:
        spec:
          restartPolicy: Never
          containers:
            - name: main
              image: busybox
`

func manifestWithSchedule(schedule string) []byte {
	return []byte(fmt.Sprintf(testManifest, schedule))
}

func TestApply_CreatesThenReplaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clientset := fake.NewClientset()
	client := New(clientset)

	resources, err := client.Apply(ctx, manifestWithSchedule("0 1 * * *"), "jobs")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("len(resources) = %d, want 2", len(resources))
	}
	if resources[0].Kind != cluster.KindIdentity || resources[0].Namespace != "jobs" {
		t.Errorf("resources[0] = %+v", resources[0])
	}
	if resources[1].Kind != cluster.KindTemplate || resources[1].Name != "nightly" {
		t.Errorf("resources[1] = %+v", resources[1])
	}

	if _, err := client.Apply(ctx, manifestWithSchedule("0 3 * * *"), "jobs"); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}

	cronJob, err := clientset.BatchV1().CronJobs("jobs").Get(ctx, "nightly", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cronJob.Spec.Schedule != "0 3 * * *" {
		t.Errorf("Schedule = %q, want replaced value", cronJob.Spec.Schedule)
	}
	if _, err := clientset.CoreV1().ServiceAccounts("jobs").Get(ctx, "runner", metav1.GetOptions{}); err != nil {
		t.Errorf("service account not created: %v", err)
	}
}

func TestApply_JobIsCreateOnly(t *testing.T) {
	t.Parallel()

	existing := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "once", Namespace: "jobs"}}
	client := New(fake.NewClientset(existing))

	job := `{"apiVersion":"batch/v1","kind":"Job","metadata":{"name":"once"},"spec":{"template":{"spec":{"restartPolicy":"Never","containers":[{"name":"c","image":"alpine"}]}}}}`
	_, err := client.Apply(context.Background(), []byte(job), "jobs")
	if !errors.Is(err, cluster.ErrAlreadyExists) {
		t.Errorf("Apply() error = %v, want ErrAlreadyExists", err)
	}
}

func TestApply_ClientError(t *testing.T) {
	t.Parallel()

	clientset := fake.NewClientset()
	clientset.PrependReactor("create", "serviceaccounts", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("forbidden")
	})
	client := New(clientset)

	resources, err := client.Apply(context.Background(), manifestWithSchedule("* * * * *"), "jobs")
	if err == nil {
		t.Fatal("Apply() error = nil, want error")
	}
	if len(resources) != 0 {
		t.Errorf("resources = %+v, want none applied", resources)
	}
	if _, getErr := clientset.BatchV1().CronJobs("jobs").Get(context.Background(), "nightly", metav1.GetOptions{}); getErr == nil {
		t.Error("template applied after an earlier object failed")
	}
}

func TestGetTemplate_NotFound(t *testing.T) {
	t.Parallel()

	client := New(fake.NewClientset())
	_, err := client.GetTemplate(context.Background(), "missing", "jobs")
	if !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("GetTemplate() error = %v, want ErrNotFound", err)
	}
}

func TestCreateRun_FromTemplate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cronJob := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: "nightly", Namespace: "jobs", UID: "cj-uid"},
		Spec: batchv1.CronJobSpec{
			Schedule: "0 1 * * *",
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      map[string]string{"team": "reports"},
					Annotations: map[string]string{"owner": "ops"},
				},
				Spec: batchv1.JobSpec{
					Completions: ptr.To[int32](2),
					Template: corev1.PodTemplateSpec{
						Spec: corev1.PodSpec{
							ServiceAccountName: "runner",
							RestartPolicy:      corev1.RestartPolicyNever,
							Containers:         []corev1.Container{{Name: "main", Image: "busybox"}},
						},
					},
				},
			},
		},
	}
	clientset := fake.NewClientset(cronJob)
	client := New(clientset)

	tmpl, err := client.GetTemplate(ctx, "nightly", "jobs")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if tmpl.UID != "cj-uid" {
		t.Errorf("UID = %q, want cj-uid", tmpl.UID)
	}

	run, err := client.CreateRun(ctx, "nightly-manual-abc12", "jobs", tmpl)
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.Name != "nightly-manual-abc12" || run.Template != "nightly" || run.Completions != 2 {
		t.Errorf("run = %+v", run)
	}

	job, err := clientset.BatchV1().Jobs("jobs").Get(ctx, "nightly-manual-abc12", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.Annotations[InstantiateAnnotation] != "manual" {
		t.Errorf("annotations = %v, want instantiate=manual", job.Annotations)
	}
	if job.Annotations["owner"] != "ops" || job.Labels["team"] != "reports" {
		t.Errorf("template metadata not copied: labels=%v annotations=%v", job.Labels, job.Annotations)
	}
	if len(job.OwnerReferences) != 1 {
		t.Fatalf("OwnerReferences = %+v, want 1", job.OwnerReferences)
	}
	ref := job.OwnerReferences[0]
	if ref.Kind != "CronJob" || ref.Name != "nightly" || ref.UID != "cj-uid" || ref.Controller == nil || !*ref.Controller {
		t.Errorf("owner reference = %+v", ref)
	}
	if sa := job.Spec.Template.Spec.ServiceAccountName; sa != "runner" {
		t.Errorf("ServiceAccountName = %q, want runner", sa)
	}
}

func TestCreateRun_NameTaken(t *testing.T) {
	t.Parallel()

	existing := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "taken", Namespace: "jobs"}}
	client := New(fake.NewClientset(existing))

	tmpl := &cluster.Template{Name: "nightly", Namespace: "jobs", Spec: []byte(`{"spec":{}}`)}
	_, err := client.CreateRun(context.Background(), "taken", "jobs", tmpl)
	if !errors.Is(err, cluster.ErrAlreadyExists) {
		t.Errorf("CreateRun() error = %v, want ErrAlreadyExists", err)
	}
}

func TestGetRun_Phase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    batchv1.JobStatus
		wantPhase cluster.Phase
		wantDone  bool
	}{
		{
			name:      "pending",
			status:    batchv1.JobStatus{},
			wantPhase: cluster.PhasePending,
		},
		{
			name:      "active",
			status:    batchv1.JobStatus{Active: 1},
			wantPhase: cluster.PhaseActive,
		},
		{
			name: "complete",
			status: batchv1.JobStatus{
				Succeeded:  1,
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}},
			},
			wantPhase: cluster.PhaseSucceeded,
			wantDone:  true,
		},
		{
			name: "failed",
			status: batchv1.JobStatus{
				Failed:     1,
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}},
			},
			wantPhase: cluster.PhaseFailed,
		},
		{
			name: "condition not true",
			status: batchv1.JobStatus{
				Active:     1,
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionFalse}},
			},
			wantPhase: cluster.PhaseActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			job := &batchv1.Job{
				ObjectMeta: metav1.ObjectMeta{Name: "r", Namespace: "jobs"},
				Status:     tt.status,
			}
			client := New(fake.NewClientset(job))

			run, err := client.GetRun(context.Background(), "r", "jobs")
			if err != nil {
				t.Fatalf("GetRun() error = %v", err)
			}
			if run.Phase != tt.wantPhase {
				t.Errorf("Phase = %q, want %q", run.Phase, tt.wantPhase)
			}
			if run.Done() != tt.wantDone {
				t.Errorf("Done() = %v, want %v", run.Done(), tt.wantDone)
			}
		})
	}
}

func TestListPods_BySelector(t *testing.T) {
	t.Parallel()

	pods := []runtime.Object{
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "a-1", Namespace: "jobs", Labels: map[string]string{cluster.RunLabel: "run-a"}}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "b-1", Namespace: "jobs", Labels: map[string]string{cluster.RunLabel: "run-b"}}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "a-other", Namespace: "other", Labels: map[string]string{cluster.RunLabel: "run-a"}}},
	}
	client := New(fake.NewClientset(pods...))

	got, err := client.ListPods(context.Background(), "jobs", cluster.RunSelector("run-a"))
	if err != nil {
		t.Fatalf("ListPods() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "a-1" {
		t.Errorf("ListPods() = %+v, want [a-1]", got)
	}

	none, err := client.ListPods(context.Background(), "jobs", cluster.RunSelector("run-c"))
	if err != nil {
		t.Fatalf("ListPods() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListPods() = %+v, want none", none)
	}
}

func TestGetPodLog(t *testing.T) {
	t.Parallel()

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "a-1", Namespace: "jobs"}}
	client := New(fake.NewClientset(pod))

	text, err := client.GetPodLog(context.Background(), "a-1", "jobs")
	if err != nil {
		t.Fatalf("GetPodLog() error = %v", err)
	}
	if text != "fake logs" {
		t.Errorf("GetPodLog() = %q, want fake logs", text)
	}
}

func TestDeleteRun_BackgroundPropagation(t *testing.T) {
	t.Parallel()

	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "r", Namespace: "jobs"}}
	clientset := fake.NewClientset(job)

	var policy *metav1.DeletionPropagation
	clientset.PrependReactor("delete", "jobs", func(action clienttesting.Action) (bool, runtime.Object, error) {
		policy = action.(clienttesting.DeleteAction).GetDeleteOptions().PropagationPolicy
		return false, nil, nil
	})
	client := New(clientset)

	if err := client.DeleteRun(context.Background(), "r", "jobs"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if policy == nil || *policy != metav1.DeletePropagationBackground {
		t.Errorf("PropagationPolicy = %v, want Background", policy)
	}
	if _, err := clientset.BatchV1().Jobs("jobs").Get(context.Background(), "r", metav1.GetOptions{}); err == nil {
		t.Error("job still exists after DeleteRun()")
	}
}

func TestDelete_NotFound(t *testing.T) {
	t.Parallel()

	client := New(fake.NewClientset())
	ctx := context.Background()

	deletes := map[string]func() error{
		"run":      func() error { return client.DeleteRun(ctx, "x", "jobs") },
		"template": func() error { return client.DeleteTemplate(ctx, "x", "jobs") },
		"identity": func() error { return client.DeleteIdentity(ctx, "x", "jobs") },
	}
	for name, del := range deletes {
		if err := del(); !errors.Is(err, cluster.ErrNotFound) {
			t.Errorf("delete %s error = %v, want ErrNotFound", name, err)
		}
	}
}

func TestDeleteTemplateAndIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clientset := fake.NewClientset(
		&batchv1.CronJob{ObjectMeta: metav1.ObjectMeta{Name: "nightly", Namespace: "jobs"}},
		&corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "runner", Namespace: "jobs"}},
	)
	client := New(clientset)

	if err := client.DeleteTemplate(ctx, "nightly", "jobs"); err != nil {
		t.Errorf("DeleteTemplate() error = %v", err)
	}
	if err := client.DeleteIdentity(ctx, "runner", "jobs"); err != nil {
		t.Errorf("DeleteIdentity() error = %v", err)
	}
	if list, _ := clientset.BatchV1().CronJobs("jobs").List(ctx, metav1.ListOptions{}); len(list.Items) != 0 {
		t.Errorf("cronjobs left: %d", len(list.Items))
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	client := New(fake.NewClientset())
	if err := client.Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestReady_Errors(t *testing.T) {
	t.Parallel()

	t.Run("server error", func(t *testing.T) {
		t.Parallel()

		clientset := fake.NewClientset()
		clientset.PrependReactor("get", "version", func(clienttesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("connection refused")
		})
		if err := New(clientset).Ready(context.Background()); err == nil {
			t.Fatal("Ready() error = nil, want error")
		}
	})

	t.Run("hung server ends with the context", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		clientset := fake.NewClientset()
		clientset.PrependReactor("get", "version", func(clienttesting.Action) (bool, runtime.Object, error) {
			<-release
			return true, nil, nil
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := New(clientset).Ready(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Ready() error = %v, want context.DeadlineExceeded", err)
		}
	})
}
