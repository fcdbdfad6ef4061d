package expressions

import (
	"context"
	"sync"
)

// EntityRef identifies a business entity.
type EntityRef struct {
	ObjectType string `json:"object_type"`
	ID         string `json:"id"`
}

// EntityResolver reads fields and traverses relationships of entities the
// engine does not hold a snapshot of.
type EntityResolver interface {
	// Related follows relation from ref. A nil ref with nil error means the
	// relationship is empty.
	Related(ctx context.Context, ref EntityRef, relation string) (*EntityRef, error)

	// Field reads one field. ok is false when the entity has no such field.
	Field(ctx context.Context, ref EntityRef, field string) (value any, ok bool, err error)
}

// MapResolver is an in-memory EntityResolver.
type MapResolver struct {
	mu        sync.RWMutex
	fields    map[EntityRef]map[string]any
	relations map[EntityRef]map[string]EntityRef
}

// NewMapResolver creates an empty MapResolver.
func NewMapResolver() *MapResolver {
	return &MapResolver{
		fields:    make(map[EntityRef]map[string]any),
		relations: make(map[EntityRef]map[string]EntityRef),
	}
}

// SetFields replaces the field values of ref.
func (r *MapResolver) SetFields(ref EntityRef, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[ref] = fields
}

// Link records relation from -> to.
func (r *MapResolver) Link(from EntityRef, relation string, to EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relations[from] == nil {
		r.relations[from] = make(map[string]EntityRef)
	}
	r.relations[from][relation] = to
}

// Unlink removes relation from from.
func (r *MapResolver) Unlink(from EntityRef, relation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relations[from], relation)
}

func (r *MapResolver) Related(_ context.Context, ref EntityRef, relation string) (*EntityRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	to, ok := r.relations[ref][relation]
	if !ok {
		return nil, nil
	}
	return &to, nil
}

func (r *MapResolver) Field(_ context.Context, ref EntityRef, field string) (any, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.fields[ref][field]
	return v, ok, nil
}

var _ EntityResolver = (*MapResolver)(nil)
