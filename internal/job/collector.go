package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/observability"
	"log/slog"
)

// Collector retrieves the log text of a run.
type Collector struct {
	client    cluster.Client
	namespace string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewCollector creates a collector for namespace.
func NewCollector(client cluster.Client, namespace string, metrics *observability.Metrics) *Collector {
	return &Collector{
		client:    client,
		namespace: namespace,
		metrics:   metrics,
		logger:    slog.With("component", "collector", "namespace", namespace),
	}
}

// Collect returns the log of the first pod labelled with the run's name.
// No pod yields "" and no error. Failures are recoverable log retrieval errors.
func (c *Collector) Collect(ctx context.Context, runName string) (string, error) {
	logger := c.logger.With("run", runName)

	pods, err := c.client.ListPods(ctx, c.namespace, cluster.RunSelector(runName))
	if err != nil {
		c.metrics.RecordLogRetrievalError(ctx)
		logger.Warn("Pod lookup failed", "error", err)
		return "", apperrors.LogRetrieval(runName, "cluster.listPods", err)
	}
	if len(pods) == 0 {
		logger.Info("No pod found for run")
		return "", nil
	}

	pod := pods[0]
	text, err := c.client.GetPodLog(ctx, pod.Name, c.namespace)
	if err != nil {
		c.metrics.RecordLogRetrievalError(ctx)
		logger.Warn("Log read failed", "pod", pod.Name, "error", err)
		return "", apperrors.LogRetrieval(runName, "cluster.getPodLog", err)
	}

	logger.Debug("Logs retrieved", "pod", pod.Name, "bytes", len(text))
	return text, nil
}
