package job

import (
	"cronrun/internal/dispatcher"
	"cronrun/pkg/cloudevent"
	"log/slog"
	"time"
)

// Event types for run lifecycle webhooks
const (
	EventTypeRunCreated   = "cronrun.run.created"
	EventTypeRunSucceeded = "cronrun.run.succeeded"
	EventTypeRunTimeout   = "cronrun.run.timeout"
	EventTypeRunLogs      = "cronrun.run.logs"
	EventTypeTeardown     = "cronrun.teardown"
)

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(event *cloudevent.CloudEvent)
}

// WebhookNotifier hands events to a dispatcher addressed to one webhook.
type WebhookNotifier struct {
	Dispatcher dispatcher.Dispatcher
	URL        string
	SigningKey string
}

// Notify queues the event; a full buffer drops it with a log line.
func (n *WebhookNotifier) Notify(event *cloudevent.CloudEvent) {
	err := n.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: n.URL,
		SigningKey:  n.SigningKey,
	})
	if err != nil {
		slog.Warn("Event not queued", "type", event.Type, "subject", event.Subject, "error", err)
	}
}

// EventBuilder builds CloudEvents for the runs of one namespace.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a builder whose events come from "cronrun/<namespace>".
func NewEventBuilder(namespace string) *EventBuilder {
	return &EventBuilder{source: "cronrun/" + namespace}
}

// RunCreated builds a run created event.
func (b *EventBuilder) RunCreated(run, template string) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeRunCreated, b.source, run, map[string]any{
		"run":      run,
		"template": template,
	})
}

// RunSucceeded builds a run succeeded event.
func (b *EventBuilder) RunSucceeded(run, template string, attempts int, elapsed time.Duration) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeRunSucceeded, b.source, run, map[string]any{
		"run":            run,
		"template":       template,
		"attempts":       attempts,
		"elapsedSeconds": elapsed.Seconds(),
	})
}

// RunTimeout builds a run timeout event.
func (b *EventBuilder) RunTimeout(run, template string, timeout time.Duration, err error) *cloudevent.CloudEvent {
	data := map[string]any{
		"run":            run,
		"template":       template,
		"timeoutSeconds": timeout.Seconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return cloudevent.New(EventTypeRunTimeout, b.source, run, data)
}

// RunLogs builds an event carrying a run's log text.
func (b *EventBuilder) RunLogs(run, template, output string) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeRunLogs, b.source, run, map[string]any{
		"run":      run,
		"template": template,
		"output":   output,
	})
}

// Teardown builds a teardown event listing what was deleted.
func (b *EventBuilder) Teardown(targets Targets, err error) *cloudevent.CloudEvent {
	data := map[string]any{
		"runs":      targets.Runs,
		"templates": targets.Templates,
		"identity":  targets.Identity,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return cloudevent.New(EventTypeTeardown, b.source, "", data)
}
