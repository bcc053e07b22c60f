// Package bus is the Event Broadcaster collaborator: a single fan-out sink
// for mission and agent lifecycle events. Any component may publish; only
// transport code (internal/httpapi) consumes.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message broadcast to every connected client.
type Event struct {
	ID        string                 `json:"id"`
	AgentID   string                 `json:"agent_id"` // "orchestrator" for pipeline-level events
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent stamps a new Event with a fresh ID and the current UTC time.
func NewEvent(agentID, eventType string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus fans out events published to a subject to every subscriber
// whose pattern matches. "subject" in this service is always the project
// ID's event stream; the pattern matching exists to let a single project
// use wildcarded sub-streams (e.g. "<project>.agent.*") without every
// subscriber hand-rolling its own filter.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
