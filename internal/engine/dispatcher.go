package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/internal/streaming"
	"github.com/rendis/lifecycle/pkg/schema"
)

const (
	reasonSuperseded      = "superseded"
	retrySweepLimit       = 500
	collaboratorNotifier  = "notifier"
	collaboratorTasks     = "tasks"
	collaboratorHandlerNS = "handler:"
)

// Dispatcher delivers committed action records to their collaborators on a
// bounded worker pool. Delivery is at least once; collaborators
// deduplicate by the record key.
type Dispatcher struct {
	store    store.Store
	fsm      *ActionFSM
	pool     *WorkerPool
	breakers *CircuitBreakerRegistry
	notifier actions.Notifier
	tasks    actions.TaskService
	handlers actions.CustomActionRegistry
	resolver expressions.EntityResolver
	hub      streaming.EventHub
	metrics  *metrics.Metrics
	clock    Clock
	logger   *slog.Logger
	policy   RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]bool
}

func newDispatcher(deps Deps, cfg Config) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:    deps.Store,
		fsm:      NewActionFSM(deps.Store),
		pool:     NewWorkerPool(cfg.PoolSize, deps.Logger),
		breakers: NewCircuitBreakerRegistry(cfg.CircuitBreaker, deps.Clock),
		notifier: deps.Notifier,
		tasks:    deps.Tasks,
		handlers: deps.Handlers,
		resolver: deps.Resolver,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		policy:   cfg.Retry,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
	d.fsm.OnAfter(store.ActionDone, d.announce(schema.StreamActionDone))
	d.fsm.OnAfter(store.ActionDegraded, d.announce(schema.StreamActionDegraded))
	return d
}

// Dispatch starts delivery of recs without blocking. Records that find no
// free worker stay pending for the next retry sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, recs []*store.ActionRecord) {
	for _, rec := range recs {
		key := rec.Key
		if !d.acquire(key) {
			continue
		}
		err := d.pool.TrySubmit(d.ctx, func(ctx context.Context) error {
			defer d.release(key)
			return d.deliver(ctx, key)
		})
		if err != nil {
			d.release(key)
			d.logger.DebugContext(ctx, "dispatch deferred", "key", key, "error", err)
		}
	}
}

// RetryDue dispatches every pending record whose next attempt is due.
// On start it recovers records a crash left behind.
func (d *Dispatcher) RetryDue(ctx context.Context) (int, error) {
	now := d.clock.Now()
	recs, err := d.store.ListActions(ctx, store.ActionFilter{
		Status:    store.ActionPending,
		DueBefore: &now,
		Limit:     retrySweepLimit,
	})
	if err != nil {
		return 0, err
	}
	d.Dispatch(ctx, recs)
	return len(recs), nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}

// Close waits for in-flight deliveries and rejects new ones.
func (d *Dispatcher) Close() {
	d.pool.Shutdown()
	d.cancel()
}

// Breakers exposes the per-collaborator circuit breakers.
func (d *Dispatcher) Breakers() *CircuitBreakerRegistry {
	return d.breakers
}

func (d *Dispatcher) acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[key] {
		return false
	}
	d.inflight[key] = true
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}

// deliver makes one attempt at a record. It re-reads the record first so
// a done record is never sent again.
func (d *Dispatcher) deliver(ctx context.Context, key string) error {
	rec, err := d.store.GetAction(ctx, key)
	if err != nil {
		return err
	}
	if isTerminalAction(rec.Status) {
		return nil
	}
	now := d.clock.Now()
	if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
		return nil
	}
	ctx = logging.WithIDs(ctx, rec.ObjectType, rec.InstanceID, string(rec.Type))

	inst, err := d.store.GetInstance(ctx, rec.InstanceID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return d.degrade(ctx, rec, rec.Attempts, "instance deleted")
	}
	if err != nil {
		return err
	}
	if rec.Attempts > 0 && inst.TransitionSeq != rec.Seq {
		return d.degrade(ctx, rec, rec.Attempts, reasonSuperseded)
	}

	var eff effect
	if err := json.Unmarshal(rec.Effect, &eff); err != nil {
		return d.degrade(ctx, rec, rec.Attempts, fmt.Sprintf("decode effect: %v", err))
	}

	name := collaborator(rec, eff)
	attempts := rec.Attempts + 1
	callErr := d.breakers.AllowRequest(name)
	if callErr == nil {
		callErr = d.invoke(ctx, rec, eff)
		if callErr == nil {
			d.breakers.RecordSuccess(name)
		} else if ctx.Err() == nil {
			d.breakers.RecordFailure(name)
		}
	}

	if callErr == nil {
		d.metrics.ObserveAttempt(string(rec.Type), "ok")
		return d.fsm.Transition(ctx, rec, store.ActionDone, store.ActionUpdate{Attempts: &attempts})
	}
	if ctx.Err() != nil {
		// Shutting down: leave the record pending for recovery.
		return callErr
	}

	result := "error"
	if schema.IsCode(callErr, schema.ErrCodeCircuitOpen) {
		result = "short_circuit"
	}
	d.metrics.ObserveAttempt(string(rec.Type), result)

	if !IsRetryableError(callErr) || attempts >= d.policy.Attempts {
		return d.degrade(ctx, rec, attempts, callErr.Error())
	}

	next := now.Add(ComputeBackoff(d.policy, attempts-1))
	nextPtr := &next
	msg := callErr.Error()
	d.logger.WarnContext(ctx, "action attempt failed",
		"key", rec.Key, "attempt", attempts, "retry_at", next, "error", callErr)
	if err := d.fsm.Transition(ctx, rec, store.ActionPending, store.ActionUpdate{
		Attempts:      &attempts,
		LastError:     &msg,
		NextAttemptAt: &nextPtr,
	}); err != nil {
		return err
	}
	return callErr
}

func (d *Dispatcher) degrade(ctx context.Context, rec *store.ActionRecord, attempts int, reason string) error {
	var none *time.Time
	err := d.fsm.Transition(ctx, rec, store.ActionDegraded, store.ActionUpdate{
		Attempts:      &attempts,
		LastError:     &reason,
		NextAttemptAt: &none,
	})
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeActionDegraded, "%s action %s degraded: %s", rec.Type, rec.Key, reason).
		WithInstance(rec.InstanceID)
}

// announce returns the FSM hook that reports a final action status.
func (d *Dispatcher) announce(kind string) ActionHook {
	return func(ctx context.Context, rec *store.ActionRecord) {
		d.metrics.ObserveAction(string(rec.Type), string(rec.Status))
		if rec.Status == store.ActionDegraded {
			d.logger.WarnContext(ctx, "action degraded",
				"key", rec.Key, "type", string(rec.Type), "attempts", rec.Attempts, "error", rec.LastError)
		} else {
			d.logger.DebugContext(ctx, "action delivered", "key", rec.Key, "type", string(rec.Type))
		}
		if d.hub == nil {
			return
		}
		if err := d.hub.Publish(ctx, streaming.StreamEvent{
			InstanceID: rec.InstanceID,
			ObjectType: rec.ObjectType,
			Type:       kind,
			Payload: map[string]any{
				"key":      rec.Key,
				"type":     string(rec.Type),
				"attempts": rec.Attempts,
				"error":    rec.LastError,
			},
			Timestamp: d.clock.Now(),
		}); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.WarnContext(ctx, "publish failed", "type", kind, "error", err)
		}
	}
}

func collaborator(rec *store.ActionRecord, eff effect) string {
	switch rec.Type {
	case schema.ActionEmailAlert:
		return collaboratorNotifier
	case schema.ActionTaskCreation:
		return collaboratorTasks
	default:
		return collaboratorHandlerNS + eff.Handler
	}
}

func (d *Dispatcher) invoke(ctx context.Context, rec *store.ActionRecord, eff effect) error {
	switch rec.Type {
	case schema.ActionEmailAlert:
		if d.notifier == nil {
			return schema.NewError(schema.ErrCodeUnavailable, "no notifier configured")
		}
		return d.notifier.SendAlert(ctx, actions.Alert{
			IdempotencyKey: rec.Key,
			InstanceID:     rec.InstanceID,
			ObjectType:     rec.ObjectType,
			Template:       eff.Template,
			Recipients:     d.resolveAll(ctx, rec, eff, eff.Recipients),
			Fields:         eff.Fields,
		})

	case schema.ActionTaskCreation:
		if d.tasks == nil {
			return schema.NewError(schema.ErrCodeUnavailable, "no task service configured")
		}
		task := actions.Task{
			IdempotencyKey: rec.Key,
			InstanceID:     rec.InstanceID,
			ObjectType:     rec.ObjectType,
			Subject:        eff.Subject,
			Priority:       eff.Priority,
		}
		if eff.Assignee != "" {
			if v, ok := d.resolve(ctx, rec, eff, eff.Assignee); ok {
				task.Assignee = v
			}
		}
		if eff.DueAt != nil {
			task.DueAt = *eff.DueAt
		}
		return d.tasks.CreateTask(ctx, task)

	case schema.ActionCustom:
		if d.handlers == nil {
			return schema.NewError(schema.ErrCodeUnavailable, "no custom handlers configured")
		}
		h, err := d.handlers.Get(eff.Handler)
		if err != nil {
			return err
		}
		_, err = h.Execute(ctx, actions.HandlerInput{
			IdempotencyKey: rec.Key,
			InstanceID:     rec.InstanceID,
			ObjectType:     rec.ObjectType,
			State:          eff.State,
			Params:         eff.Params,
			Fields:         eff.Fields,
		})
		return err
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "action type %q cannot be dispatched", rec.Type)
}

func (d *Dispatcher) resolveAll(ctx context.Context, rec *store.ActionRecord, eff effect, entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if v, ok := d.resolve(ctx, rec, eff, entry); ok {
			out = append(out, v)
		}
	}
	return out
}

// resolve maps a recipient or assignee entry onto a value. An entry that
// is not a field reference is a literal. A single-segment reference the
// snapshot lacks is also a literal (a queue or group name); an unresolved
// relationship path is dropped.
func (d *Dispatcher) resolve(ctx context.Context, rec *store.ActionRecord, eff effect, entry string) (string, bool) {
	node, err := expressions.Parse(entry)
	if err != nil {
		return entry, true
	}
	ref, ok := node.(*expressions.FieldRef)
	if !ok {
		return entry, true
	}
	if len(ref.Path) == 1 {
		v, present := eff.Fields[ref.Path[0]]
		if !present || v == nil {
			return entry, true
		}
		return fmt.Sprint(v), true
	}

	v, err := expressions.EvalFormula(ctx, ref, &expressions.Env{
		Entity:   expressions.EntityRef{ObjectType: rec.ObjectType, ID: rec.InstanceID},
		Fields:   eff.Fields,
		Resolver: d.resolver,
	})
	if err != nil || v == nil {
		d.logger.WarnContext(ctx, "dropping unresolved reference", "key", rec.Key, "ref", entry, "error", err)
		return "", false
	}
	return fmt.Sprint(v), true
}
