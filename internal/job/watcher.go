package job

import (
	"context"
	"cronrun/internal/apperrors"
	"cronrun/internal/cluster"
	"cronrun/internal/observability"
	"log/slog"
	"time"
)

// Clock is the time source of the watcher.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WatchResult describes a run that reached its required succeeded count.
type WatchResult struct {
	Run      *cluster.Run
	Attempts int
	Elapsed  time.Duration
}

// Watcher polls run status at a fixed interval.
type Watcher struct {
	client    cluster.Client
	namespace string
	interval  time.Duration
	clock     Clock
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewWatcher creates a watcher that reads status every interval.
func NewWatcher(client cluster.Client, namespace string, interval time.Duration, metrics *observability.Metrics) *Watcher {
	return &Watcher{
		client:    client,
		namespace: namespace,
		interval:  interval,
		clock:     systemClock{},
		metrics:   metrics,
		logger:    slog.With("component", "watcher", "namespace", namespace),
	}
}

// WithClock replaces the time source.
func (w *Watcher) WithClock(clock Clock) *Watcher {
	w.clock = clock
	return w
}

// Watch reads the run's status until its succeeded count reaches the required
// threshold or timeout elapses. A status read that fails is logged and the loop
// goes on. A Failed phase does not end the watch; only the deadline does.
//
// At most ceil(timeout/interval) reads are made. Reads are bounded by the
// timeout too, and a success observed at or after the deadline is a timeout.
// Cancelling ctx ends the watch with a timeout error wrapping the context error.
func (w *Watcher) Watch(ctx context.Context, runName string, timeout time.Duration) (*WatchResult, error) {
	logger := w.logger.With("run", runName)
	start := w.clock.Now()
	deadline := start.Add(timeout)

	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var template string
	attempts := 0
	for {
		now := w.clock.Now()
		if !now.Before(deadline) {
			elapsed := now.Sub(start)
			w.metrics.RecordRunWatched(ctx, template, observability.OutcomeTimeout, elapsed.Seconds())
			logger.Warn("Run did not succeed before the deadline", "timeout", timeout, "attempts", attempts)
			return nil, apperrors.RunTimeout(runName, timeout, attempts, nil)
		}

		attempts++
		run, err := w.client.GetRun(watchCtx, runName, w.namespace)
		w.metrics.RecordRunPoll(ctx, template)
		switch {
		case err != nil:
			logger.Warn("Status read failed", "attempt", attempts, "error", err)
		case run.Done() && w.clock.Now().Before(deadline):
			elapsed := w.clock.Now().Sub(start)
			w.metrics.RecordRunWatched(ctx, run.Template, observability.OutcomeSucceeded, elapsed.Seconds())
			logger.Info("Run succeeded", "attempts", attempts, "elapsed", elapsed)
			return &WatchResult{Run: run, Attempts: attempts, Elapsed: elapsed}, nil
		default:
			template = run.Template
			logger.Debug("Run not complete", "attempt", attempts, "phase", run.Phase, "succeeded", run.Succeeded)
		}

		wait := max(min(w.interval, deadline.Sub(w.clock.Now())), 0)
		select {
		case <-watchCtx.Done():
			w.metrics.RecordRunWatched(ctx, template, observability.OutcomeTimeout, w.clock.Now().Sub(start).Seconds())
			// ctx.Err is nil when only the watch budget ran out
			return nil, apperrors.RunTimeout(runName, timeout, attempts, ctx.Err())
		case <-w.clock.After(wait):
		}
	}
}
