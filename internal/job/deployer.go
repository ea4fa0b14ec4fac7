package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/observability"
	"log/slog"
	"os"
)

// Deployer applies manifest files to the cluster.
type Deployer struct {
	client    cluster.Client
	namespace string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewDeployer creates a deployer that places namespace-less objects in namespace.
func NewDeployer(client cluster.Client, namespace string, metrics *observability.Metrics) *Deployer {
	return &Deployer{
		client:    client,
		namespace: namespace,
		metrics:   metrics,
		logger:    slog.With("component", "deployer", "namespace", namespace),
	}
}

// Deploy reads the manifest at path and applies it as-is.
// Every failure is a deployment error.
func (d *Deployer) Deploy(ctx context.Context, path string) ([]cluster.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.metrics.RecordManifestApplied(ctx, false)
		return nil, apperrors.Deployment(path, err)
	}

	resources, err := d.client.Apply(ctx, data, d.namespace)
	d.metrics.RecordManifestApplied(ctx, err == nil)
	if err != nil {
		d.logger.Error("Manifest apply failed", "path", path, "error", err)
		return resources, apperrors.Deployment(path, err)
	}

	for _, r := range resources {
		d.logger.Info("Object applied", "path", path, "kind", r.APIKind, "name", r.Name)
	}
	return resources, nil
}
