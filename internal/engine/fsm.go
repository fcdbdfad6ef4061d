package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/pkg/schema"
)

// ActionHook is called after an action record reached a new status.
type ActionHook func(ctx context.Context, rec *store.ActionRecord)

// ActionUpdater is satisfied by the Store; the FSM persists every status
// change through it.
type ActionUpdater interface {
	UpdateAction(ctx context.Context, key string, update store.ActionUpdate) error
}

// ValidActionTransitions lists the allowed status changes of an action
// record. pending -> pending records a failed attempt that will be retried.
var ValidActionTransitions = map[store.ActionStatus][]store.ActionStatus{
	store.ActionPending: {store.ActionPending, store.ActionDone, store.ActionDegraded},
}

// ActionFSM guards the delivery status of action records.
type ActionFSM struct {
	mu      sync.RWMutex
	updater ActionUpdater
	after   map[store.ActionStatus][]ActionHook
}

// NewActionFSM creates an ActionFSM that persists through u.
func NewActionFSM(u ActionUpdater) *ActionFSM {
	return &ActionFSM{
		updater: u,
		after:   make(map[store.ActionStatus][]ActionHook),
	}
}

// OnAfter registers a hook called after a record moves to status to.
func (f *ActionFSM) OnAfter(to store.ActionStatus, hook ActionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition validates rec.Status -> to, persists it together with the
// other fields of update and mirrors the change onto rec.
func (f *ActionFSM) Transition(ctx context.Context, rec *store.ActionRecord, to store.ActionStatus, update store.ActionUpdate) error {
	if !isValidActionTransition(rec.Status, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid action transition: %s -> %s", rec.Status, to).
			WithInstance(rec.InstanceID).
			WithDetails(map[string]any{"key": rec.Key, "from": string(rec.Status), "to": string(to)})
	}

	update.Status = &to
	if err := f.updater.UpdateAction(ctx, rec.Key, update); err != nil {
		return err
	}

	rec.Status = to
	if update.Attempts != nil {
		rec.Attempts = *update.Attempts
	}
	if update.LastError != nil {
		rec.LastError = *update.LastError
	}
	if update.NextAttemptAt != nil {
		rec.NextAttemptAt = *update.NextAttemptAt
	}

	f.mu.RLock()
	hooks := slices.Clone(f.after[to])
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, rec)
	}
	return nil
}

func isValidActionTransition(from, to store.ActionStatus) bool {
	return slices.Contains(ValidActionTransitions[from], to)
}

// isTerminalAction reports whether no further delivery happens for s.
func isTerminalAction(s store.ActionStatus) bool {
	return s == store.ActionDone || s == store.ActionDegraded
}
