// Package events queues domain events and delivers them to subscribers.
package events

import "time"

// Status is the processing state of a queued event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event sources.
const (
	SourceAPI     = "api"
	SourceCLI     = "cli"
	SourceAMQP    = "amqp"
	SourceWebhook = "webhook"
)

// Event is a domain event, e.g. Order.created, in the bus queue.
type Event struct {
	ID          string         `json:"id"`
	Object      string         `json:"object"`
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload"`
	Source      string         `json:"source,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// Name returns the event name in Object.action form.
func (e *Event) Name() string {
	return e.Object + "." + e.Action
}
