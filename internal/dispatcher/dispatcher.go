// Package dispatcher delivers webhook events asynchronously so that
// notification never blocks the run pipeline.
package dispatcher

import (
	"context"
	"cronrun/pkg/cloudevent"
	"errors"
)

// Errors returned by Dispatch.
var (
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued.
	// The context deadline bounds the drain.
	Close(ctx context.Context) error
}

// Event is a CloudEvent addressed to a webhook.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key, empty = unsigned
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth int   // current queue size
	Queued     int64 // total events queued
	Delivered  int64 // successful deliveries
	Failed     int64 // single attempt failed
	Dropped    int64 // buffer full or delivery muted
	Muted      bool  // delivery stopped after consecutive failures
}
