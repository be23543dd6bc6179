// Package eventbus implements the in-process publish/subscribe bus that
// decouples the Workflow Engine and Transaction Coordinator from whoever
// is watching: lifecycle events, participant request/response traffic, and
// diagnostic broadcasts all flow through the same bounded-queue dispatcher.
package eventbus

import "time"

// EventType is one member of the closed set of event types the bus moves.
type EventType string

const (
	ServiceRequest     EventType = "service_request"
	ServiceResponse    EventType = "service_response"
	ServiceError       EventType = "service_error"
	WorkflowStarted    EventType = "workflow_started"
	WorkflowCompleted  EventType = "workflow_completed"
	WorkflowFailed     EventType = "workflow_failed"
	DataUpdated        EventType = "data_updated"
	SystemHealthCheck  EventType = "system_health_check"
)

// Event is one message moved through the bus. TargetService nil (empty
// string) means broadcast to every subscriber whose filter matches Type.
type Event struct {
	EventID       string                 `json:"event_id"`
	Type          EventType              `json:"event_type"`
	SourceService string                 `json:"source_service"`
	TargetService string                 `json:"target_service,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	TTL           time.Duration          `json:"ttl,omitempty"`
}

// Sink is the pluggable durable-storage side of publish: every published
// event is persisted here in addition to being fanned out to subscribers,
// independent of whether any subscriber is currently listening.
type Sink interface {
	Store(event Event) error
	StreamAppend(event Event) error
	ExpireAfter(ttl time.Duration) error
}

// Handler processes one event for a subscription. A handler panic or error
// is logged and does not affect sibling handlers or other subscribers.
type Handler func(event Event) error
