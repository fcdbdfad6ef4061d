package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/pkg/schema"
)

// effect is the persisted form of one staged side effect. It carries the
// field snapshot of the commit that staged it, so delivery never depends
// on later writes.
type effect struct {
	State  string         `json:"state"`
	Fields map[string]any `json:"fields,omitempty"`

	Template   string   `json:"template,omitempty"`
	Recipients []string `json:"recipients,omitempty"`

	Subject  string     `json:"subject,omitempty"`
	Assignee string     `json:"assignee,omitempty"`
	Priority string     `json:"priority,omitempty"`
	DueAt    *time.Time `json:"due_at,omitempty"`

	Handler string         `json:"handler,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// actionKey is the idempotency key handed to collaborators.
func actionKey(instanceID string, seq int64, index int) string {
	return fmt.Sprintf("%s:%d:%d", instanceID, seq, index)
}

// stage applies the FieldUpdates of specs to inst.Fields in order and
// returns a pending record for every other action. inst.State must already
// be the arriving state. A failing formula aborts the whole transition.
func (e *executorImpl) stage(ctx context.Context, inst *store.Instance, seq int64, specs []definition.ActionSpec, at time.Time) ([]*store.ActionRecord, error) {
	env := e.env(inst, at)
	for i, spec := range specs {
		fu, ok := spec.(definition.FieldUpdate)
		if !ok {
			continue
		}
		v, err := fu.Value.Formula(ctx, env)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFatal,
				"field_update %q (action %d) failed: %s", fu.Field, i, err.Error()).
				WithInstance(inst.ID).
				WithCause(err).
				WithDetails(map[string]any{"field": fu.Field, "formula": fu.Value.Source})
		}
		inst.Fields[fu.Field] = expressions.FieldValue(v)
	}

	var records []*store.ActionRecord
	for i, spec := range specs {
		eff := effect{State: inst.State, Fields: maps.Clone(inst.Fields)}
		switch a := spec.(type) {
		case definition.FieldUpdate:
			continue
		case definition.EmailAlert:
			eff.Template = a.Template
			eff.Recipients = a.Recipients
		case definition.TaskCreation:
			due := at.Add(a.DueOffset)
			eff.Subject = a.Subject
			eff.Assignee = a.Assignee
			eff.Priority = a.Priority
			eff.DueAt = &due
		case definition.CustomAction:
			eff.Handler = a.Handler
			eff.Params = a.Params
		default:
			return nil, schema.NewErrorf(schema.ErrCodeActionFatal, "unsupported action %T", spec).
				WithInstance(inst.ID)
		}
		raw, err := json.Marshal(eff)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionFatal, "encode %s action %d", spec.Kind(), i).
				WithInstance(inst.ID).
				WithCause(err)
		}
		records = append(records, &store.ActionRecord{
			Key:        actionKey(inst.ID, seq, i),
			InstanceID: inst.ID,
			ObjectType: inst.ObjectType,
			Seq:        seq,
			Index:      i,
			Type:       spec.Kind(),
			Effect:     raw,
			Status:     store.ActionPending,
			CreatedAt:  at,
		})
	}
	return records, nil
}

// env builds the expression environment for inst at the event time.
func (e *executorImpl) env(inst *store.Instance, at time.Time) *expressions.Env {
	return &expressions.Env{
		Entity:   expressions.EntityRef{ObjectType: inst.ObjectType, ID: inst.ID},
		Fields:   inst.Fields,
		Resolver: e.resolver,
		Now:      at,
	}
}

// wakeFor returns when the timeout of st fires for an instance that
// entered it at, or nil.
func wakeFor(st *definition.State, at time.Time) *time.Time {
	if st == nil || st.Timeout == nil {
		return nil
	}
	due := at.Add(st.Timeout.Duration)
	return &due
}

// mergePayload copies event payload values into the field snapshot.
func mergePayload(fields, payload map[string]any) {
	for k, v := range payload {
		fields[k] = expressions.FieldValue(v)
	}
}
