package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/observability"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const (
	maxRunNameLength = 63
	runNameSuffixLen = 5
)

// Instantiator derives runs from deployed templates.
type Instantiator struct {
	client    cluster.Client
	namespace string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewInstantiator creates an instantiator for namespace.
func NewInstantiator(client cluster.Client, namespace string, metrics *observability.Metrics) *Instantiator {
	return &Instantiator{
		client:    client,
		namespace: namespace,
		metrics:   metrics,
		logger:    slog.With("component", "instantiator", "namespace", namespace),
	}
}

// Instantiate reads the template and submits a run copying its spec.
// An empty runName is generated from the template name.
func (i *Instantiator) Instantiate(ctx context.Context, templateName, runName string) (*cluster.Run, error) {
	if runName == "" {
		runName = GenerateRunName(templateName)
	}
	logger := i.logger.With("template", templateName, "run", runName)

	tmpl, err := i.client.GetTemplate(ctx, templateName, i.namespace)
	if err != nil {
		i.metrics.RecordRunCreated(ctx, templateName, false)
		logger.Error("Template lookup failed", "error", err)
		return nil, apperrors.RunCreation(runName, templateName, "cluster.getTemplate", err)
	}

	run, err := i.client.CreateRun(ctx, runName, i.namespace, tmpl)
	i.metrics.RecordRunCreated(ctx, templateName, err == nil)
	if err != nil {
		logger.Error("Run creation failed", "error", err)
		return nil, apperrors.RunCreation(runName, templateName, "cluster.createRun", err)
	}
	if run.Template == "" {
		run.Template = templateName
	}

	logger.Info("Run created")
	return run, nil
}

// GenerateRunName returns "<template>-manual-<5 hex chars>", shortening the
// template part if the result would exceed the 63 character name limit.
func GenerateRunName(template string) string {
	suffix := "-manual-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:runNameSuffixLen]
	if room := maxRunNameLength - len(suffix); len(template) > room {
		template = strings.TrimRight(template[:room], "-")
	}
	return template + suffix
}
