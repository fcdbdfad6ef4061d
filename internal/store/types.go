package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// Instance is the persisted position of one entity in its state machine.
type Instance struct {
	ID             string         `json:"id"`
	ObjectType     string         `json:"object_type"`
	State          string         `json:"state"`
	StateEnteredAt time.Time      `json:"state_entered_at"`
	Version        int64          `json:"version"`
	TransitionSeq  int64          `json:"transition_seq"`
	NextWakeAt     *time.Time     `json:"next_wake_at,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Revision       string         `json:"definition_revision,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep enough copy for the executor to stage changes on.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.NextWakeAt != nil {
		w := *i.NextWakeAt
		c.NextWakeAt = &w
	}
	c.Fields = make(map[string]any, len(i.Fields))
	for k, v := range i.Fields {
		c.Fields[k] = v
	}
	return &c
}

// EventRecord is an immutable journal entry for one processed event.
type EventRecord struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ObjectType string         `json:"object_type"`
	Name       string         `json:"event"`
	Origin     schema.Origin  `json:"origin"`
	Payload    map[string]any `json:"payload,omitempty"`
	Outcome    schema.Outcome `json:"outcome"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Version    int64          `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// ActionStatus is the delivery state of a side-effecting action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionDone     ActionStatus = "done"
	ActionDegraded ActionStatus = "degraded"
)

// ActionRecord tracks delivery of one staged action. Key is
// instanceID:seq:index and is handed to collaborators for deduplication.
type ActionRecord struct {
	Key           string            `json:"key"`
	InstanceID    string            `json:"instance_id"`
	ObjectType    string            `json:"object_type"`
	Seq           int64             `json:"seq"`
	Index         int               `json:"index"`
	Type          schema.ActionType `json:"type"`
	Effect        json.RawMessage   `json:"effect"`
	Status        ActionStatus      `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Commit is one atomic write: the new instance row, its journal entry and
// the action records staged by the transition.
type Commit struct {
	Instance *Instance
	// ExpectedVersion is the version the instance was loaded at. Ignored
	// by CreateInstance.
	ExpectedVersion int64
	Event           *EventRecord
	Actions         []*ActionRecord
}

// ActionUpdate holds the mutable fields of an ActionRecord. Nil fields are
// left unchanged.
type ActionUpdate struct {
	Status        *ActionStatus
	Attempts      *int
	LastError     *string
	NextAttemptAt **time.Time
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	ObjectType string
	State      string
	Limit      int
	Offset     int
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	InstanceID string
	Status     ActionStatus
	// DueBefore selects records whose next attempt is unset or not after it.
	DueBefore *time.Time
	Limit     int
}
