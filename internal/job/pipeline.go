package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/config"
	"cronrun/internal/health"
	"cronrun/internal/observability"
	"cronrun/internal/prompt"
	"cronrun/pkg/cloudevent"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Confirmation questions
const (
	DeployQuestion   = "Do you want to proceed with the deployment?"
	TeardownQuestion = "Do you want to delete the runs, templates and identity?"
)

const bannerWidth = 60

// Options configures a Pipeline. Only Confirmer is required.
type Options struct {
	Confirmer prompt.Confirmer
	Out       io.Writer // run output and messages, default os.Stdout
	Metrics   *observability.Metrics
	Notifier  Notifier
	Tracer    trace.Tracer
	Clock     Clock
}

// Pipeline runs deploy, instantiate, watch, collect and teardown in sequence
// for one plan, with a confirmation gate before deploy and before teardown.
type Pipeline struct {
	plan      *config.Plan
	confirmer prompt.Confirmer
	out       io.Writer
	metrics   *observability.Metrics
	notifier  Notifier
	events    *EventBuilder
	tracer    trace.Tracer
	logger    *slog.Logger

	checker      *health.Checker
	deployer     *Deployer
	instantiator *Instantiator
	watcher      *Watcher
	collector    *Collector
	teardown     *Teardown
}

// NewPipeline wires the components for plan against client.
// The plan must already be validated.
func NewPipeline(client cluster.Client, plan *config.Plan, opts Options) *Pipeline {
	ns := plan.Namespace
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(observability.TracerName)
	}

	watcher := NewWatcher(client, ns, plan.PollInterval, opts.Metrics)
	if opts.Clock != nil {
		watcher.WithClock(opts.Clock)
	}

	return &Pipeline{
		plan:         plan,
		confirmer:    opts.Confirmer,
		out:          opts.Out,
		metrics:      opts.Metrics,
		notifier:     opts.Notifier,
		events:       NewEventBuilder(ns),
		tracer:       opts.Tracer,
		logger:       slog.With("component", "pipeline", "namespace", ns),
		checker:      health.NewChecker(client),
		deployer:     NewDeployer(client, ns, opts.Metrics),
		instantiator: NewInstantiator(client, ns, opts.Metrics),
		watcher:      watcher,
		collector:    NewCollector(client, ns, opts.Metrics),
		teardown:     NewTeardown(client, ns, opts.Metrics),
	}
}

// Run executes the plan. The returned error joins every failure; use
// apperrors.ExitCode on it. A declined deployment returns a nil error.
// A deployment failure returns immediately: no run is created and no
// teardown is offered.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline", trace.WithAttributes(
		attribute.String("namespace", p.plan.Namespace),
		attribute.Int("runs", len(p.plan.Runs)),
	))
	defer span.End()

	report := &Report{}

	if p.plan.Warning != "" {
		fmt.Fprintln(p.out, strings.TrimRight(p.plan.Warning, "\n"))
	}
	ok, err := p.confirmer.Confirm(ctx, DeployQuestion)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Declined = true
		fmt.Fprintln(p.out, "Deployment cancelled by the user.")
		return report, nil
	}

	err = p.stage(ctx, "preflight", func(ctx context.Context) error {
		if err := p.checker.Preflight(ctx); err != nil {
			return apperrors.Preflight(err)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("Cluster not ready", "error", err)
		return report, err
	}

	err = p.stage(ctx, "deploy", func(ctx context.Context) error {
		for _, path := range p.plan.Manifests {
			resources, err := p.deployer.Deploy(ctx, path)
			report.Deployed = append(report.Deployed, resources...)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Runs = make([]RunResult, len(p.plan.Runs))
	_ = p.stage(ctx, "instantiate", func(ctx context.Context) error {
		var failed error
		for i, req := range p.plan.Runs {
			result := &report.Runs[i]
			result.Template = req.Template
			result.Name = req.Name
			result.State = StateTemplateDeployed

			run, err := p.instantiator.Instantiate(ctx, req.Template, req.Name)
			if err != nil {
				result.Err = err
				failed = err
				continue
			}
			result.Name = run.Name
			result.State = StateRunCreated
			p.notify(p.events.RunCreated(run.Name, req.Template))
		}
		return failed
	})

	for i := range report.Runs {
		if report.Runs[i].Created() {
			p.watchAndCollect(ctx, &report.Runs[i])
		}
	}

	p.offerTeardown(ctx, report)
	return report, report.Err()
}

func (p *Pipeline) watchAndCollect(ctx context.Context, result *RunResult) {
	result.State = StateWatching

	var watched *WatchResult
	err := p.stage(ctx, "watch", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("run", result.Name))
		var err error
		watched, err = p.watcher.Watch(ctx, result.Name, p.plan.Timeout)
		return err
	})
	if err != nil {
		result.State = StateTimedOut
		result.Err = err
		p.notify(p.events.RunTimeout(result.Name, result.Template, p.plan.Timeout, err))
		return
	}
	result.State = StateSucceeded
	result.Attempts = watched.Attempts
	p.notify(p.events.RunSucceeded(result.Name, result.Template, watched.Attempts, watched.Elapsed))

	var output string
	err = p.stage(ctx, "collect", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("run", result.Name))
		var err error
		output, err = p.collector.Collect(ctx, result.Name)
		return err
	})
	if err != nil {
		result.LogErr = err
		p.printBanner(result.Name, "")
		return
	}
	result.Output = output
	result.State = StateLogsCollected
	p.printBanner(result.Name, output)
	p.notify(p.events.RunLogs(result.Name, result.Template, output))
}

func (p *Pipeline) offerTeardown(ctx context.Context, report *Report) {
	ok, err := p.confirmer.Confirm(ctx, TeardownQuestion)
	if err != nil {
		p.logger.Warn("Teardown confirmation failed", "error", err)
	}
	if !ok {
		fmt.Fprintln(p.out, "Skipping deletion of runs, templates and identity.")
		return
	}

	targets := p.targets(report)
	report.TeardownErr = p.stage(ctx, "teardown", func(ctx context.Context) error {
		return p.teardown.Teardown(ctx, targets)
	})
	report.TornDown = true
	for i := range report.Runs {
		if report.Runs[i].Created() {
			report.Runs[i].State = StateTornDown
		}
	}
	p.notify(p.events.Teardown(targets, report.TeardownErr))

	if report.TeardownErr != nil {
		fmt.Fprintln(p.out, "Teardown finished with errors.")
		return
	}
	fmt.Fprintln(p.out, "Teardown complete.")
}

// targets lists the created runs, the templates deployed by this invocation and the identity.
// The identity is the plan's, or the first one deployed.
func (p *Pipeline) targets(report *Report) Targets {
	var targets Targets
	for _, r := range report.Runs {
		if r.Created() {
			targets.Runs = append(targets.Runs, r.Name)
		}
	}
	for _, r := range report.Deployed {
		switch r.Kind {
		case cluster.KindRun:
			if !slices.Contains(targets.Runs, r.Name) {
				targets.Runs = append(targets.Runs, r.Name)
			}
		case cluster.KindTemplate:
			if !slices.Contains(targets.Templates, r.Name) {
				targets.Templates = append(targets.Templates, r.Name)
			}
		case cluster.KindIdentity:
			if targets.Identity == "" {
				targets.Identity = r.Name
			}
		}
	}
	if p.plan.Identity != "" {
		targets.Identity = p.plan.Identity
	}
	return targets
}

func (p *Pipeline) printBanner(runName, output string) {
	heavy := strings.Repeat("=", bannerWidth)
	light := strings.Repeat("-", bannerWidth)
	fmt.Fprintf(p.out, "\n%s\nLogs from run '%s':\n%s\n%s\n%s\n%s\n\n",
		heavy, runName, light, strings.TrimRight(output, "\n"), light, heavy)
}

// stage runs fn inside a span and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.RecordStage(ctx, name, err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) notify(event *cloudevent.CloudEvent) {
	if p.notifier != nil {
		p.notifier.Notify(event)
	}
}
