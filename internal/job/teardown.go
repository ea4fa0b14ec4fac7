package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/observability"
	"errors"
	"log/slog"
)

// Targets is the confirmed set of objects to delete.
type Targets struct {
	Runs      []string
	Templates []string
	Identity  string // empty = none
}

// Teardown deletes what the pipeline created.
type Teardown struct {
	client    cluster.Client
	namespace string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewTeardown creates a teardown coordinator for namespace.
func NewTeardown(client cluster.Client, namespace string, metrics *observability.Metrics) *Teardown {
	return &Teardown{
		client:    client,
		namespace: namespace,
		metrics:   metrics,
		logger:    slog.With("component", "teardown", "namespace", namespace),
	}
}

// Teardown deletes runs, then templates, then the identity. It deletes exactly
// the named objects and keeps going past failures, which are returned joined.
// Objects that are already gone count as deleted.
func (t *Teardown) Teardown(ctx context.Context, targets Targets) error {
	var errs []error
	for _, name := range targets.Runs {
		errs = append(errs, t.delete(ctx, cluster.KindRun, name, t.client.DeleteRun))
	}
	for _, name := range targets.Templates {
		errs = append(errs, t.delete(ctx, cluster.KindTemplate, name, t.client.DeleteTemplate))
	}
	if targets.Identity != "" {
		errs = append(errs, t.delete(ctx, cluster.KindIdentity, targets.Identity, t.client.DeleteIdentity))
	}
	return errors.Join(errs...)
}

type deleteFunc func(ctx context.Context, name, namespace string) error

func (t *Teardown) delete(ctx context.Context, kind cluster.Kind, name string, del deleteFunc) error {
	logger := t.logger.With("kind", kind, "name", name)

	err := del(ctx, name, t.namespace)
	if errors.Is(err, cluster.ErrNotFound) {
		logger.Info("Already deleted")
		err = nil
	}
	t.metrics.RecordTeardownDelete(ctx, string(kind), err == nil)
	if err != nil {
		logger.Error("Delete failed", "error", err)
		return apperrors.Teardown(string(kind), name, err)
	}

	logger.Info("Deleted")
	return nil
}
