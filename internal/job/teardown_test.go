package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster/clustertest"
	"errors"
	"testing"
)

// seedCluster deploys the identity and template and creates three runs.
func seedCluster(t *testing.T) *clustertest.Client {
	t.Helper()
	ctx := context.Background()
	client := clustertest.New()
	if _, err := client.Apply(ctx, []byte(identityAndTemplate), "jobs"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	tmpl, err := client.GetTemplate(ctx, "nightly", "jobs")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	for _, name := range []string{"run-a", "run-b", "run-c"} {
		if _, err := client.CreateRun(ctx, name, "jobs", tmpl); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}
	return client
}

func TestTeardown_OnlyConfirmedRuns(t *testing.T) {
	t.Parallel()

	client := seedCluster(t)
	targets := Targets{Runs: []string{"run-a", "run-c"}, Templates: []string{"nightly"}, Identity: "runner"}

	if err := NewTeardown(client, "jobs", nil).Teardown(context.Background(), targets); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	if client.HasRun("run-a", "jobs") || client.HasRun("run-c", "jobs") {
		t.Error("confirmed runs still exist")
	}
	if !client.HasRun("run-b", "jobs") {
		t.Error("run-b was deleted although it was not in the confirmed set")
	}
	if client.HasTemplate("nightly", "jobs") || client.HasIdentity("runner", "jobs") {
		t.Error("template or identity still exists")
	}
}

func TestTeardown_Order(t *testing.T) {
	t.Parallel()

	client := seedCluster(t)
	targets := Targets{Runs: []string{"run-a"}, Templates: []string{"nightly"}, Identity: "runner"}
	_ = NewTeardown(client, "jobs", nil).Teardown(context.Background(), targets)

	var ops []string
	for _, call := range client.Calls() {
		switch call.Op {
		case "DeleteRun", "DeleteTemplate", "DeleteIdentity":
			ops = append(ops, call.Op)
		}
	}
	want := []string{"DeleteRun", "DeleteTemplate", "DeleteIdentity"}
	if len(ops) != len(want) {
		t.Fatalf("delete calls = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("delete calls = %v, want %v", ops, want)
			break
		}
	}
}

func TestTeardown_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	client := seedCluster(t)
	client.DeleteErr["run/run-a"] = errors.New("etcd timeout")
	targets := Targets{Runs: []string{"run-a", "run-b"}, Templates: []string{"nightly"}, Identity: "runner"}

	err := NewTeardown(client, "jobs", nil).Teardown(context.Background(), targets)
	if !errors.Is(err, apperrors.ErrTeardown) {
		t.Fatalf("Teardown() error = %v, want ErrTeardown", err)
	}
	if apperrors.IsFatal(err) {
		t.Error("teardown failure must be recoverable")
	}
	if client.HasRun("run-b", "jobs") || client.HasTemplate("nightly", "jobs") || client.HasIdentity("runner", "jobs") {
		t.Error("objects after the failed delete were not deleted")
	}
}

func TestTeardown_AlreadyGone(t *testing.T) {
	t.Parallel()

	client := clustertest.New()
	err := NewTeardown(client, "jobs", nil).Teardown(context.Background(), Targets{Runs: []string{"gone"}, Identity: "gone-too"})
	if err != nil {
		t.Errorf("Teardown() error = %v, want nil for missing objects", err)
	}
}
