package definition

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/lifecycle/pkg/schema"
)

type snapshot map[string]*Definition

// ReplaceFunc observes definition swaps. old is nil on first load and
// next is nil on removal.
type ReplaceFunc func(old, next *Definition)

// Registry serves definitions by object type. Reads are lock-free against
// an immutable snapshot; writers copy the snapshot and swap it whole.
type Registry struct {
	snap atomic.Pointer[snapshot]

	mu        sync.Mutex
	observers []ReplaceFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := snapshot{}
	r.snap.Store(&empty)
	return r
}

// Get returns the definition serving objectType.
func (r *Registry) Get(objectType string) (*Definition, bool) {
	d, ok := (*r.snap.Load())[objectType]
	return d, ok
}

// MustGet returns the definition or a NOT_FOUND error.
func (r *Registry) MustGet(objectType string) (*Definition, error) {
	d, ok := r.Get(objectType)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "object type %q is not served", objectType)
	}
	return d, nil
}

// List returns all definitions sorted by object type.
func (r *Registry) List() []*Definition {
	snap := *r.snap.Load()
	out := make([]*Definition, 0, len(snap))
	for _, d := range snap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectType < out[j].ObjectType })
	return out
}

// Replace installs def for its object type and returns the definition it
// replaced, if any.
func (r *Registry) Replace(def *Definition) *Definition {
	r.mu.Lock()
	cur := *r.snap.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	old := cur[def.ObjectType]
	next[def.ObjectType] = def
	r.snap.Store(&next)
	observers := append([]ReplaceFunc(nil), r.observers...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(old, def)
	}
	return old
}

// Remove stops serving objectType.
func (r *Registry) Remove(objectType string) bool {
	r.mu.Lock()
	cur := *r.snap.Load()
	old, ok := cur[objectType]
	if !ok {
		r.mu.Unlock()
		return false
	}
	next := make(snapshot, len(cur))
	for k, v := range cur {
		if k != objectType {
			next[k] = v
		}
	}
	r.snap.Store(&next)
	observers := append([]ReplaceFunc(nil), r.observers...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(old, nil)
	}
	return true
}

// OnReplace registers fn to run after every Replace and Remove.
func (r *Registry) OnReplace(fn ReplaceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}
