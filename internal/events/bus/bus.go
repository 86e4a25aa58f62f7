// Package bus provides event bus abstractions for the Companion bridge.
//
// The pool publishes session lifecycle and request telemetry events so that
// operators can watch a fleet of bridges from one NATS subject tree. With no
// NATS URL configured the in-memory bus is used and events stay local.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/guibros/companion-bridge/internal/common/config"
	"github.com/guibros/companion-bridge/internal/common/logger"
)

// Event subjects published by the bridge.
const (
	SubjectSessionCreated   = "bridge.session.created"
	SubjectSessionDestroyed = "bridge.session.destroyed"
	SubjectRequestCompleted = "bridge.request.completed"
	SubjectContextWarning   = "bridge.context.warning"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "companion-bridge",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// New returns a NATS-backed bus when a URL is configured, otherwise the
// in-memory bus.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
