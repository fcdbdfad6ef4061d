package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time notification about an instance: a committed
// transition, an ignored event, or an action reaching a final status.
type StreamEvent struct {
	InstanceID string    `json:"instance_id"`
	ObjectType string    `json:"object_type"`
	Type       string    `json:"type"`
	State      string    `json:"state,omitempty"`
	Version    int64     `json:"version,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	ObjectType string   `json:"object_type,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for real-time lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
