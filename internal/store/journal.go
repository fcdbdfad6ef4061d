package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// Journal reconstructs instance history from the event journal.
type Journal struct {
	store Store
}

// NewJournal wraps a Store to provide history replay.
func NewJournal(s Store) *Journal {
	return &Journal{store: s}
}

// Visit is one entry into a state.
type Visit struct {
	State     string    `json:"state"`
	Event     string    `json:"event"`
	Origin    string    `json:"origin"`
	EnteredAt time.Time `json:"entered_at"`
	Version   int64     `json:"version"`
}

// History is the state path of an instance as recorded in its journal.
type History struct {
	InstanceID string         `json:"instance_id"`
	ObjectType string         `json:"object_type"`
	Visits     []Visit        `json:"visits"`
	State      string         `json:"state"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
	Outcomes   map[string]int `json:"outcomes"`
}

// Replay folds every journal entry of an instance into its History.
// Returns a STORE_ERROR if the journal sequence has gaps.
func (j *Journal) Replay(ctx context.Context, instanceID string) (*History, error) {
	events, err := j.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("journal", instanceID)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
	}

	h := &History{
		InstanceID: instanceID,
		ObjectType: events[0].ObjectType,
		Outcomes:   make(map[string]int),
	}
	for _, e := range events {
		h.Outcomes[string(e.Outcome)]++
		if e.Version > h.Version {
			h.Version = e.Version
		}
		switch e.Outcome {
		case schema.OutcomeCreated, schema.OutcomeApplied:
			h.State = e.ToState
			h.Deleted = false
			h.Visits = append(h.Visits, Visit{
				State:     e.ToState,
				Event:     e.Name,
				Origin:    string(e.Origin),
				EnteredAt: e.Timestamp,
				Version:   e.Version,
			})
		case schema.OutcomeDeleted:
			h.Deleted = true
		}
	}
	return h, nil
}

// Path returns the visited state names in order.
func (h *History) Path() []string {
	out := make([]string, len(h.Visits))
	for i, v := range h.Visits {
		out[i] = v.State
	}
	return out
}
