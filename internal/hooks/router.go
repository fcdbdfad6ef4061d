// Package hooks turns entity mutations reported by the CRUD layer into
// lifecycle operations.
package hooks

import (
	"context"
	"log/slog"
	"maps"
	"reflect"
	"slices"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/pkg/schema"
)

// Op is the kind of entity mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is one committed change to a business entity.
type Mutation struct {
	Op         Op             `json:"op"`
	ObjectType string         `json:"object_type"`
	EntityID   string         `json:"entity_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

// Result lists what a mutation caused.
type Result struct {
	Ignored bool                       `json:"ignored,omitempty"`
	Changed []string                   `json:"changed,omitempty"`
	Results []*schema.TransitionResult `json:"results,omitempty"`
}

// Engine is the part of the executor the router drives.
type Engine interface {
	CreateInstance(ctx context.Context, objectType, instanceID string, fields map[string]any) (*schema.TransitionResult, error)
	DeleteInstance(ctx context.Context, instanceID string, origin schema.Origin) error
	SubmitEvent(ctx context.Context, objectType, instanceID, event string, payload map[string]any, origin schema.Origin) (*schema.TransitionResult, error)
}

// Router maps mutations onto the engine using each definition's triggers.
type Router struct {
	engine  Engine
	defs    *definition.Registry
	cel     *expressions.CELEngine
	jq      *expressions.GoJQEngine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(eng Engine, defs *definition.Registry, m *metrics.Metrics, logger *slog.Logger) (*Router, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:  eng,
		defs:    defs,
		cel:     celEngine,
		jq:      expressions.NewGoJQEngine(),
		metrics: m,
		logger:  logger,
	}, nil
}

// Handle applies one mutation. Mutations of object types no definition
// serves are ignored. Redelivered creates and deletes are no-ops.
func (r *Router) Handle(ctx context.Context, m Mutation) (*Result, error) {
	if m.ObjectType == "" || m.EntityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "object_type and entity_id are required")
	}
	def, ok := r.defs.Get(m.ObjectType)
	if !ok {
		return &Result{Ignored: true}, nil
	}
	ctx = logging.WithInstanceID(logging.WithObjectType(ctx, m.ObjectType), m.EntityID)

	switch m.Op {
	case OpCreate:
		r.metrics.ObserveHook(string(m.Op), "create")
		res, err := r.engine.CreateInstance(ctx, m.ObjectType, m.EntityID, m.After)
		if schema.IsCode(err, schema.ErrCodeConflict) {
			r.logger.DebugContext(ctx, "instance already exists")
			return &Result{}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Result{Results: []*schema.TransitionResult{res}}, nil

	case OpDelete:
		r.metrics.ObserveHook(string(m.Op), "delete")
		err := r.engine.DeleteInstance(ctx, m.EntityID, schema.OriginUser)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return &Result{}, nil

	case OpUpdate:
		return r.update(ctx, def, m)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown mutation op %q", m.Op)
}

// update submits the event of every trigger whose condition holds, in
// declaration order, or fields_changed when none does.
func (r *Router) update(ctx context.Context, def *definition.Definition, m Mutation) (*Result, error) {
	changed := Diff(m.Before, m.After)
	out := &Result{Changed: sortedKeys(changed)}
	if len(changed) == 0 {
		return out, nil
	}
	data := map[string]any{
		"before":  orEmpty(m.Before),
		"after":   orEmpty(m.After),
		"changed": changed,
	}

	for _, t := range def.Triggers {
		ok, err := r.cel.EvaluateBool(ctx, t.When, data)
		if err != nil {
			r.logger.WarnContext(ctx, "trigger condition failed", "event", t.Event, "error", err)
			continue
		}
		if !ok {
			continue
		}
		payload, err := r.payload(ctx, t, changed, data)
		if err != nil {
			r.logger.WarnContext(ctx, "trigger payload failed", "event", t.Event, "error", err)
			continue
		}
		res, err := r.submit(ctx, m, t.Event, payload)
		if err != nil {
			return out, err
		}
		out.Results = append(out.Results, res)
	}
	if len(out.Results) > 0 {
		return out, nil
	}

	res, err := r.submit(ctx, m, schema.EventFieldsChanged, changed)
	if err != nil {
		return out, err
	}
	out.Results = append(out.Results, res)
	return out, nil
}

// payload is the changed fields, extended by the trigger's jq projection.
func (r *Router) payload(ctx context.Context, t definition.Trigger, changed, data map[string]any) (map[string]any, error) {
	payload := maps.Clone(changed)
	if t.Payload == "" {
		return payload, nil
	}
	projected, err := r.jq.EvaluateObject(ctx, t.Payload, data)
	if err != nil {
		return nil, err
	}
	maps.Copy(payload, projected)
	return payload, nil
}

func (r *Router) submit(ctx context.Context, m Mutation, event string, payload map[string]any) (*schema.TransitionResult, error) {
	r.metrics.ObserveHook(string(m.Op), event)
	return r.engine.SubmitEvent(logging.WithEvent(ctx, event), m.ObjectType, m.EntityID, event, payload, schema.OriginUser)
}

// Diff returns the fields of after that differ from before. Fields removed
// by the mutation appear with a nil value.
func Diff(before, after map[string]any) map[string]any {
	changed := make(map[string]any)
	for k, v := range after {
		old, ok := before[k]
		if !ok || !reflect.DeepEqual(expressions.FieldValue(old), expressions.FieldValue(v)) {
			changed[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed[k] = nil
		}
	}
	return changed
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
