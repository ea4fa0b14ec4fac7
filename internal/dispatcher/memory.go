package dispatcher

import (
	"context"
	"cronrun/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher queues events in a bounded channel drained by a worker pool.
// Each event gets exactly one delivery attempt. After MaxFailures consecutive
// failures the dispatcher stops delivering and drops further events.
type MemoryDispatcher struct {
	queue   chan *Event
	sender  *cloudevent.Sender
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	failMu   sync.Mutex
	failures int // consecutive
	muted    atomic.Bool

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates and starts an in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	d.logger.Debug("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.muted.Load() {
		d.drop(event, "delivery muted")
		return nil
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		d.recordQueueSize()
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth: len(d.queue),
		Queued:     d.queued.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Muted:      d.muted.Load(),
	}
}

// Close stops the workers after they drain the queue.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Debug("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	if d.muted.Load() {
		d.drop(event, "delivery muted")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.HTTPTimeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
	d.recordQueueSize()
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", extractHost(event.Destination), "type", event.Payload.Type, "error", err)
		d.recordFailure()
		return
	}

	d.failMu.Lock()
	d.failures = 0
	d.failMu.Unlock()

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *MemoryDispatcher) recordFailure() {
	d.failMu.Lock()
	defer d.failMu.Unlock()

	d.failures++
	if d.failures >= d.config.MaxFailures && !d.muted.Swap(true) {
		d.logger.Warn("Webhook delivery muted after consecutive failures", "failures", d.failures)
	}
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Debug("Event dropped", "reason", reason, "type", event.Payload.Type)
}

func (d *MemoryDispatcher) recordQueueSize() {
	if d.metrics != nil {
		d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
	}
}

// extractHost returns the host of a URL for logging, so paths and query tokens stay out of logs.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
