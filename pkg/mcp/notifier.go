package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lifecycle/internal/streaming"
	"github.com/rendis/lifecycle/pkg/schema"
)

// Subscriber is the part of the engine the forwarder listens to.
type Subscriber interface {
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// sessionNotifier sends a notification to one client session.
type sessionNotifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// StreamForwarder pushes engine stream events to the MCP sessions watching
// the instance they concern.
type StreamForwarder struct {
	notifier sessionNotifier
	watchers *WatchRegistry
	logger   *slog.Logger
}

// NewStreamForwarder creates a forwarder that pushes via MCP notifications.
func NewStreamForwarder(mcpServer *server.MCPServer, watchers *WatchRegistry, logger *slog.Logger) *StreamForwarder {
	return &StreamForwarder{notifier: mcpServer, watchers: watchers, logger: logger}
}

// Run forwards events until ctx ends or the subscription closes.
func (f *StreamForwarder) Run(ctx context.Context, sub Subscriber) error {
	ch, cancel, err := sub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.Forward(ev)
		}
	}
}

// Forward delivers one event to its watchers. Best-effort: sessions that
// disappeared are dropped from the registry.
func (f *StreamForwarder) Forward(ev streaming.StreamEvent) {
	payload := map[string]any{
		"instance_id": ev.InstanceID,
		"object_type": ev.ObjectType,
		"type":        ev.Type,
		"state":       ev.State,
		"version":     ev.Version,
		"data":        ev.Payload,
		"timestamp":   ev.Timestamp,
	}
	for _, sid := range f.watchers.SessionsFor(ev.InstanceID) {
		err := f.notifier.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			f.watchers.Remove(sid)
			continue
		}
		if err != nil {
			f.logger.Warn("watch notification failed", "session", sid, "instance_id", ev.InstanceID, "error", err)
		}
	}
	if ev.Type == schema.StreamInstanceDeleted {
		f.watchers.Forget(ev.InstanceID)
	}
}
