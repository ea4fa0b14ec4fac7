package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Stage metrics
	StageDuration metric.Float64Histogram

	// Deploy and run metrics
	ManifestsApplied   metric.Int64Counter
	RunsCreated        metric.Int64Counter
	RunWatchDuration   metric.Float64Histogram
	RunPolls           metric.Int64Counter
	RunTimeouts        metric.Int64Counter
	LogRetrievalErrors metric.Int64Counter
	TeardownDeletes    metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates the metrics on a Prometheus-backed meter provider and
// returns the handler that serves them.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("cronrun"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.ManifestsApplied, err = meter.Int64Counter(
		"manifests_applied_total",
		metric.WithDescription("Total number of manifest apply attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCreated, err = meter.Int64Counter(
		"runs_created_total",
		metric.WithDescription("Total number of run creation attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RunWatchDuration, err = meter.Float64Histogram(
		"run_watch_duration_seconds",
		metric.WithDescription("Time from watch start to success or timeout"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.RunPolls, err = meter.Int64Counter(
		"run_polls_total",
		metric.WithDescription("Total number of run status reads"),
	)
	if err != nil {
		return nil, err
	}

	m.RunTimeouts, err = meter.Int64Counter(
		"run_timeouts_total",
		metric.WithDescription("Total number of runs that did not succeed in time"),
	)
	if err != nil {
		return nil, err
	}

	m.LogRetrievalErrors, err = meter.Int64Counter(
		"log_retrieval_errors_total",
		metric.WithDescription("Total number of failed log retrievals"),
	)
	if err != nil {
		return nil, err
	}

	m.TeardownDeletes, err = meter.Int64Counter(
		"teardown_deletes_total",
		metric.WithDescription("Total number of teardown delete attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events whose single delivery attempt failed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or delivery muted)"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordStage records how long a pipeline stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage), successAttr(success)))
}

// RecordManifestApplied records one manifest apply attempt.
func (m *Metrics) RecordManifestApplied(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.ManifestsApplied.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordRunCreated records one run creation attempt.
func (m *Metrics) RecordRunCreated(ctx context.Context, template string, success bool) {
	if m == nil {
		return
	}
	m.RunsCreated.Add(ctx, 1, metric.WithAttributes(templateAttr(template), successAttr(success)))
}

// RecordRunPoll records one status read.
func (m *Metrics) RecordRunPoll(ctx context.Context, template string) {
	if m == nil {
		return
	}
	m.RunPolls.Add(ctx, 1, WithTemplate(template))
}

// RecordRunWatched records the end of a watch.
func (m *Metrics) RecordRunWatched(ctx context.Context, template, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(templateAttr(template), outcomeAttr(outcome))
	m.RunWatchDuration.Record(ctx, durationSeconds, attrs)
	if outcome == OutcomeTimeout {
		m.RunTimeouts.Add(ctx, 1, WithTemplate(template))
	}
}

// RecordLogRetrievalError records a failed log retrieval.
func (m *Metrics) RecordLogRetrievalError(ctx context.Context) {
	if m == nil {
		return
	}
	m.LogRetrievalErrors.Add(ctx, 1)
}

// RecordTeardownDelete records one delete attempt during teardown.
func (m *Metrics) RecordTeardownDelete(ctx context.Context, kind string, success bool) {
	if m == nil {
		return
	}
	m.TeardownDeletes.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), successAttr(success)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
