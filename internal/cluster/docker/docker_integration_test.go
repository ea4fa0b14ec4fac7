//go:build integration

package docker

import (
	"context"
	"cronrun/internal/cluster"
	"cronrun/internal/testutil"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

const integrationManifest = `
apiVersion: v1
kind: ServiceAccount
metadata:
  name: runner
---
apiVersion: batch/v1
kind: CronJob
metadata:
  name: %s
spec:
  schedule: "0 2 * * *"
  jobTemplate:
    spec:
      template:
        spec:
          serviceAccountName: runner
          restartPolicy: Never
          containers:
            - name: main
              image: alpine:latest
              command: ["/bin/sh", "-c"]
              args: ["echo hello from $MODE && ls %s >/dev/null"]
              env:
                - name: MODE
                  value: integration
`

func newIntegrationClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{PullImages: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ready(ctx); err != nil {
		t.Skipf("docker daemon not reachable: %v", err)
	}
	return c
}

func TestClient_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationClient(t)

	ns := fmt.Sprintf("it%d", time.Now().UnixNano())
	templateName := "hello"
	runName := "hello-run"

	resources, err := c.Apply(ctx, []byte(fmt.Sprintf(integrationManifest, templateName, DefaultIdentityMount)), ns)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("Apply() resources = %+v", resources)
	}
	t.Cleanup(func() {
		_ = c.DeleteRun(context.Background(), runName, ns)
		_ = c.DeleteTemplate(context.Background(), templateName, ns)
		_ = c.DeleteIdentity(context.Background(), "runner", ns)
	})

	tmpl, err := c.GetTemplate(ctx, templateName, ns)
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}

	run, err := c.CreateRun(ctx, runName, ns, tmpl)
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.Template != templateName {
		t.Errorf("run.Template = %q", run.Template)
	}

	if _, err := c.CreateRun(ctx, runName, ns, tmpl); !errors.Is(err, cluster.ErrAlreadyExists) {
		t.Errorf("second CreateRun() error = %v, want ErrAlreadyExists", err)
	}

	testutil.MustWaitFor(t, func() bool {
		status, err := c.GetRun(ctx, runName, ns)
		return err == nil && status.Done()
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(500*time.Millisecond))

	pods, err := c.ListPods(ctx, ns, cluster.RunSelector(runName))
	if err != nil {
		t.Fatalf("ListPods() error = %v", err)
	}
	if len(pods) != 1 {
		t.Fatalf("ListPods() = %+v, want one pod", pods)
	}

	logs, err := c.GetPodLog(ctx, pods[0].Name, ns)
	if err != nil {
		t.Fatalf("GetPodLog() error = %v", err)
	}
	if !strings.Contains(logs, "hello from integration") {
		t.Errorf("logs = %q", logs)
	}

	if err := c.DeleteRun(ctx, runName, ns); err != nil {
		t.Errorf("DeleteRun() error = %v", err)
	}
	if err := c.DeleteRun(ctx, runName, ns); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("second DeleteRun() error = %v, want ErrNotFound", err)
	}
	if err := c.DeleteTemplate(ctx, templateName, ns); err != nil {
		t.Errorf("DeleteTemplate() error = %v", err)
	}
	if err := c.DeleteIdentity(ctx, "runner", ns); err != nil {
		t.Errorf("DeleteIdentity() error = %v", err)
	}
}

func TestClient_GetTemplateNotFound(t *testing.T) {
	c := newIntegrationClient(t)

	_, err := c.GetTemplate(context.Background(), "missing", "nowhere")
	if !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("GetTemplate() error = %v, want ErrNotFound", err)
	}
}
