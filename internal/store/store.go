package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for lifecycle instances, their
// event journal and their action delivery records.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, c *Commit) error
	// CommitTransition writes c only if the stored version still equals
	// c.ExpectedVersion, else it fails with a CONFLICT error.
	CommitTransition(ctx context.Context, c *Commit) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	// DeleteInstance removes the instance, degrades its pending actions
	// and journals ev.
	DeleteInstance(ctx context.Context, id string, ev *EventRecord) error

	// Timeouts
	ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
	// SetWakeTime replaces the wake time without bumping the version. It
	// fails with CONFLICT if the instance moved past version.
	SetWakeTime(ctx context.Context, id string, version int64, wake *time.Time) error

	// Journal
	AppendEvent(ctx context.Context, ev *EventRecord) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*EventRecord, error)

	// Actions
	GetAction(ctx context.Context, key string) (*ActionRecord, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]*ActionRecord, error)
	UpdateAction(ctx context.Context, key string, update ActionUpdate) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// HasInstances reports whether s holds any instance of objectType in
// state. An empty state matches every state.
func HasInstances(ctx context.Context, s Store, objectType, state string) (bool, error) {
	found, err := s.ListInstances(ctx, InstanceFilter{ObjectType: objectType, State: state, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}
