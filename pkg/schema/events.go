package schema

import "time"

// Origin identifies who submitted an event.
type Origin string

const (
	OriginUser    Origin = "user"
	OriginTimeout Origin = "timeout"
	OriginAdmin   Origin = "admin"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginUser, OriginTimeout, OriginAdmin:
		return true
	}
	return false
}

// EventFieldsChanged is always declared for every object type. CRUD hooks
// submit it to report field changes that no trigger maps to a named event.
const EventFieldsChanged = "fields_changed"

// Event is a request to move an instance through its state machine.
type Event struct {
	ID         string         `json:"id"`
	ObjectType string         `json:"object_type"`
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	Origin     Origin         `json:"origin"`
	Timestamp  time.Time      `json:"timestamp"`

	// Wake is set on timeout-originated events only.
	Wake *WakeToken `json:"wake,omitempty"`
}

// WakeToken captures the instance state a timeout was scheduled against.
// A timeout is honored only while both values still match the instance.
type WakeToken struct {
	StateEnteredAt time.Time `json:"state_entered_at"`
	DueAt          time.Time `json:"due_at"`
}

// Outcome classifies how an event was handled.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeStale   Outcome = "stale"
	OutcomeRearmed Outcome = "rearmed"
	OutcomeDeleted Outcome = "deleted"
)

// Result reasons.
const (
	ReasonApplied          = "transition applied"
	ReasonGuardRejected    = "no transition guard matched"
	ReasonNoTransition     = "no transition declared for event in current state"
	ReasonStaleTimeout     = "timeout superseded by an earlier transition"
	ReasonTimeoutCondition = "timeout condition not met"
	ReasonUnservedWake     = "wake parked: object type or state is no longer served"
	ReasonCreated          = "instance created"
)

// TransitionResult is returned for every submitted event.
type TransitionResult struct {
	InstanceID string  `json:"instance_id"`
	Event      string  `json:"event"`
	Accepted   bool    `json:"accepted"`
	FromState  string  `json:"from_state"`
	ToState    string  `json:"to_state"`
	Reason     string  `json:"reason"`
	Outcome    Outcome `json:"outcome"`
	Version    int64   `json:"version"`
}

// Stream event types published on the engine's hub.
const (
	StreamTransitionApplied = "transition_applied"
	StreamEventIgnored      = "event_ignored"
	StreamInstanceCreated   = "instance_created"
	StreamInstanceDeleted   = "instance_deleted"
	StreamActionDone        = "action_done"
	StreamActionDegraded    = "action_degraded"
	StreamTimeoutRearmed    = "timeout_rearmed"
)
