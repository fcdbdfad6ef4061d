package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lifecycle/pkg/schema"
)

// MemoryStore is an in-process Store. It honors the same version and
// journal contracts as LibSQLStore and loses everything on exit.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	events    map[string][]*EventRecord
	actions   map[string]*ActionRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		events:    make(map[string][]*EventRecord),
		actions:   make(map[string]*ActionRecord),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateInstance(_ context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := c.Instance
	if _, ok := m.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID).
			WithInstance(inst.ID)
	}
	if err := checkFields(inst.Fields); err != nil {
		return err
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = inst.Clone()
	m.writeCommit(c)
	return nil
}

func (m *MemoryStore) CommitTransition(_ context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := c.Instance
	cur, ok := m.instances[inst.ID]
	if !ok {
		return storeNotFound("instance", inst.ID)
	}
	if cur.Version != c.ExpectedVersion {
		return versionConflict(inst.ID, c.ExpectedVersion, cur.Version)
	}
	if err := checkFields(inst.Fields); err != nil {
		return err
	}
	inst.CreatedAt = cur.CreatedAt
	inst.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = inst.Clone()
	m.writeCommit(c)
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	m.mu.RLock()
	var out []*Instance
	for _, inst := range m.instances {
		if filter.ObjectType != "" && inst.ObjectType != filter.ObjectType {
			continue
		}
		if filter.State != "" && inst.State != filter.State {
			continue
		}
		out = append(out, inst.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) DeleteInstance(_ context.Context, id string, ev *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return storeNotFound("instance", id)
	}
	delete(m.instances, id)
	now := time.Now().UTC()
	for _, a := range m.actions {
		if a.InstanceID == id && a.Status == ActionPending {
			a.Status = ActionDegraded
			a.LastError = "instance deleted"
			a.NextAttemptAt = nil
			a.UpdatedAt = now
		}
	}
	if ev != nil {
		m.appendEvent(ev)
	}
	return nil
}

func (m *MemoryStore) ListDueInstances(_ context.Context, now time.Time, limit int) ([]*Instance, error) {
	m.mu.RLock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.NextWakeAt != nil && !inst.NextWakeAt.After(now) {
			out = append(out, inst.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextWakeAt.Equal(*out[j].NextWakeAt) {
			return out[i].NextWakeAt.Before(*out[j].NextWakeAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (m *MemoryStore) SetWakeTime(_ context.Context, id string, version int64, wake *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return storeNotFound("instance", id)
	}
	if inst.Version != version {
		return versionConflict(id, version, inst.Version)
	}
	if wake == nil {
		inst.NextWakeAt = nil
	} else {
		w := wake.UTC()
		inst.NextWakeAt = &w
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EventRecord
	for _, e := range m.events[instanceID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAction(_ context.Context, key string) (*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[key]
	if !ok {
		return nil, storeNotFound("action", key)
	}
	return cloneAction(a), nil
}

func (m *MemoryStore) ListActions(_ context.Context, filter ActionFilter) ([]*ActionRecord, error) {
	m.mu.RLock()
	var out []*ActionRecord
	for _, a := range m.actions {
		if filter.InstanceID != "" && a.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.DueBefore != nil && a.NextAttemptAt != nil && a.NextAttemptAt.After(*filter.DueBefore) {
			continue
		}
		out = append(out, cloneAction(a))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Index < out[j].Index
	})
	return page(out, 0, filter.Limit), nil
}

func (m *MemoryStore) UpdateAction(_ context.Context, key string, update ActionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[key]
	if !ok {
		return storeNotFound("action", key)
	}
	if update.Status != nil {
		a.Status = *update.Status
	}
	if update.Attempts != nil {
		a.Attempts = *update.Attempts
	}
	if update.LastError != nil {
		a.LastError = *update.LastError
	}
	if update.NextAttemptAt != nil {
		if t := *update.NextAttemptAt; t != nil {
			n := t.UTC()
			a.NextAttemptAt = &n
		} else {
			a.NextAttemptAt = nil
		}
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// writeCommit stores the journal entry and action records of c. Callers
// hold m.mu.
func (m *MemoryStore) writeCommit(c *Commit) {
	if c.Event != nil {
		m.appendEvent(c.Event)
	}
	now := time.Now().UTC()
	for _, a := range c.Actions {
		if _, ok := m.actions[a.Key]; ok {
			continue
		}
		a.CreatedAt = timeOrNow(a.CreatedAt)
		a.UpdatedAt = now
		if a.Status == "" {
			a.Status = ActionPending
		}
		m.actions[a.Key] = cloneAction(a)
	}
}

func (m *MemoryStore) appendEvent(ev *EventRecord) {
	ev.Sequence = int64(len(m.events[ev.InstanceID]) + 1)
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Timestamp = timeOrNow(ev.Timestamp)
	c := *ev
	m.events[ev.InstanceID] = append(m.events[ev.InstanceID], &c)
}

func cloneAction(a *ActionRecord) *ActionRecord {
	c := *a
	if a.NextAttemptAt != nil {
		n := *a.NextAttemptAt
		c.NextAttemptAt = &n
	}
	c.Effect = append(json.RawMessage(nil), a.Effect...)
	return &c
}

// checkFields rejects snapshots the libSQL store could not persist.
func checkFields(fields map[string]any) error {
	_, err := marshalFields(fields)
	return err
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
