// cronrun deploys CronJob templates, runs one-shot jobs derived from them,
// prints their output and offers to delete everything afterwards.
package main

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/cluster/docker"
	"cronrun/internal/cluster/kubernetes"
	"cronrun/internal/config"
	"cronrun/internal/dispatcher"
	"cronrun/internal/health"
	"cronrun/internal/job"
	"cronrun/internal/observability"
	"cronrun/internal/prompt"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	slogotel "github.com/remychantenay/slog-otel"
)

var version = "dev"

type flags struct {
	plan         string
	namespace    string
	backend      string
	kubeconfig   string
	kubeContext  string
	timeout      time.Duration
	pollInterval time.Duration
	yes          bool
	showVersion  bool
}

func main() {
	var f flags
	flag.StringVar(&f.plan, "plan", "cronrun.yaml", "path to the plan file")
	flag.StringVar(&f.namespace, "namespace", "", "namespace override")
	flag.StringVar(&f.backend, "backend", "", "cluster backend: kubernetes or docker")
	flag.StringVar(&f.kubeconfig, "kubeconfig", "", "path to the kubeconfig file")
	flag.StringVar(&f.kubeContext, "context", "", "kubeconfig context")
	flag.DurationVar(&f.timeout, "timeout", 0, "run timeout override")
	flag.DurationVar(&f.pollInterval, "poll-interval", 0, "status poll interval override")
	flag.BoolVar(&f.yes, "yes", false, "answer yes to every confirmation")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.Parse()

	if f.showVersion {
		fmt.Println(version)
		return
	}

	cfg := config.Load()
	f.override(cfg)
	setupLogging(cfg)

	err := run(cfg, f)
	if err != nil {
		slog.Error("cronrun failed", "error", err)
	}
	os.Exit(apperrors.ExitCode(err))
}

// override applies command-line values on top of the environment.
func (f *flags) override(cfg *config.Config) {
	if f.namespace != "" {
		cfg.Namespace = f.namespace
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.kubeconfig != "" {
		cfg.Kubeconfig = f.kubeconfig
	}
	if f.kubeContext != "" {
		cfg.KubeContext = f.kubeContext
	}
	if f.timeout > 0 {
		cfg.Timeout = f.timeout
	}
	if f.pollInterval > 0 {
		cfg.PollInterval = f.pollInterval
	}
}

func setupLogging(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(slogotel.OtelHandler{Next: handler}))
}

func run(cfg *config.Config, f flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plan, err := config.PlanFromFile(f.plan)
	if err != nil {
		return apperrors.Validation("plan", err.Error())
	}

	// Tracing
	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	tracer, shutdownTracing, err := observability.SetupTracing(traceOut, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Trace shutdown error", "error", err)
		}
	}()

	// Metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Cluster
	client, kubeNamespace, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if plan.Namespace == "" && cfg.Namespace == "" {
		plan.Namespace = kubeNamespace
	}
	plan.Apply(cfg)
	plan.ApplyDefaults()
	if err := plan.Validate(); err != nil {
		return err
	}

	slog.Info("Starting cronrun",
		"version", version,
		"backend", cfg.Backend,
		"namespace", plan.Namespace,
		"runs", len(plan.Runs),
		"timeout", plan.Timeout,
	)

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, metricsHandler, health.NewChecker(client))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server shutdown error", "error", err)
			}
		}()
	}

	opts := job.Options{
		Confirmer: prompt.NewReader(os.Stdin, os.Stdout),
		Out:       os.Stdout,
		Metrics:   metrics,
		Tracer:    tracer,
	}
	if f.yes {
		opts.Confirmer = prompt.AutoConfirm{Out: os.Stdout}
	}

	// Webhooks
	if cfg.CallbackURL != "" {
		d := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		defer drainDispatcher(d)
		opts.Notifier = &job.WebhookNotifier{
			Dispatcher: d,
			URL:        cfg.CallbackURL,
			SigningKey: cfg.CallbackKey,
		}
		if cfg.CallbackKey == "" {
			slog.Warn("Webhook signing disabled - no CALLBACK_KEY_FILE configured")
		}
	}

	report, err := job.NewPipeline(client, plan, opts).Run(ctx)
	if report != nil {
		logReport(report)
	}
	return err
}

func newClient(cfg *config.Config) (cluster.Client, string, error) {
	switch cfg.Backend {
	case config.BackendKubernetes:
		client, namespace, err := kubernetes.NewFromKubeconfig(cfg.Kubeconfig, cfg.KubeContext)
		if err != nil {
			return nil, "", apperrors.Preflight(err)
		}
		return client, namespace, nil
	case config.BackendDocker:
		client, err := docker.New(docker.LoadConfigFromEnv())
		if err != nil {
			return nil, "", apperrors.Preflight(err)
		}
		return client, "", nil
	default:
		return nil, "", apperrors.Validation("backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}

func startMetricsServer(addr string, metricsHandler http.Handler, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("GET /readyz", checker)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func drainDispatcher(d *dispatcher.MemoryDispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := d.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"muted", stats.Muted,
	)
}

func logReport(report *job.Report) {
	if report.Declined {
		return
	}
	for _, r := range report.Runs {
		attrs := []any{"template", r.Template, "run", r.Name, "state", r.State, "attempts", r.Attempts}
		if r.Err != nil {
			slog.Error("Run failed", append(attrs, "error", r.Err)...)
			continue
		}
		if r.LogErr != nil {
			attrs = append(attrs, "logError", r.LogErr)
		}
		slog.Info("Run finished", attrs...)
	}
	if report.TeardownErr != nil {
		slog.Warn("Teardown incomplete", "error", report.TeardownErr)
	}
}
