// Package bus provides event bus abstractions for the daemon.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(name, source string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Name:      name,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler is a function that handles an event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub contract. Subjects are dotted names; subscription
// patterns support the wildcards "*" (one token) and ">" (remaining tokens).
type EventBus interface {
	// Publish delivers an event to every matching subscriber before
	// returning. A subscriber error is logged and does not stop delivery.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
