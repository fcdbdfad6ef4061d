package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/internal/streaming"
	"github.com/rendis/lifecycle/pkg/schema"
)

// Executor moves instances through their state machines. Every operation
// on one instance runs on that instance's lane, in submission order.
type Executor interface {
	// CreateInstance binds a new entity to the initial state of its
	// object type. An empty instanceID is generated.
	CreateInstance(ctx context.Context, objectType, instanceID string, fields map[string]any) (*schema.TransitionResult, error)

	// DeleteInstance discards the instance and cancels its pending timeout.
	DeleteInstance(ctx context.Context, instanceID string, origin schema.Origin) error

	// SubmitEvent processes a user or admin event and waits for the result.
	SubmitEvent(ctx context.Context, objectType, instanceID, event string, payload map[string]any, origin schema.Origin) (*schema.TransitionResult, error)

	// SubmitTimeout queues a timeout for inst without blocking. It returns
	// false if the lane is full or the engine is stopping; done is only
	// called when it returns true.
	SubmitTimeout(inst *store.Instance, done func(*schema.TransitionResult, error)) bool

	// Status returns the instance with its action records and the events
	// its current state accepts.
	Status(ctx context.Context, instanceID string) (*InstanceStatus, error)

	// Subscribe streams committed changes matching filter.
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)

	// RetryActions re-dispatches pending action records that are due.
	RetryActions(ctx context.Context) (int, error)

	// Close stops the lanes and waits for in-flight deliveries.
	Close()
}

// InstanceStatus is a snapshot of an instance for querying.
type InstanceStatus struct {
	Instance        *store.Instance       `json:"instance"`
	Definition      string                `json:"definition"`
	Final           bool                  `json:"final"`
	AvailableEvents []string              `json:"available_events"`
	Actions         []*store.ActionRecord `json:"actions,omitempty"`
}

// Config holds the engine tunables.
type Config struct {
	Lanes              int                  `json:"lanes"`
	LaneDepth          int                  `json:"lane_depth"`
	MaxConflictRetries int                  `json:"max_conflict_retries"`
	PoolSize           int                  `json:"pool_size"`
	Retry              RetryPolicy          `json:"retry"`
	CircuitBreaker     CircuitBreakerConfig `json:"circuit_breaker"`
}

// DefaultConfig returns 64 lanes, 3 conflict retries and the default
// delivery policy.
func DefaultConfig() Config {
	return Config{
		Lanes:              64,
		LaneDepth:          256,
		MaxConflictRetries: 3,
		PoolSize:           16,
		Retry:              DefaultRetryPolicy(),
		CircuitBreaker:     DefaultCircuitBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lanes <= 0 {
		c.Lanes = d.Lanes
	}
	if c.LaneDepth <= 0 {
		c.LaneDepth = d.LaneDepth
	}
	if c.MaxConflictRetries < 0 {
		c.MaxConflictRetries = d.MaxConflictRetries
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = d.Retry
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker = d.CircuitBreaker
	}
	return c
}

// Deps are the collaborators of the engine. Store and Definitions are
// required; the rest fall back to no-op or default implementations.
type Deps struct {
	Store       store.Store
	Definitions *definition.Registry
	Resolver    expressions.EntityResolver
	Notifier    actions.Notifier
	Tasks       actions.TaskService
	Handlers    actions.CustomActionRegistry
	Hub         streaming.EventHub
	Metrics     *metrics.Metrics
	Clock       Clock
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// conflictBackoff spaces out reloads after a version conflict.
var conflictBackoff = RetryPolicy{Attempts: 4, Base: 5 * time.Millisecond, Max: 50 * time.Millisecond}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store      store.Store
	defs       *definition.Registry
	resolver   expressions.EntityResolver
	hub        streaming.EventHub
	metrics    *metrics.Metrics
	clock      Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	config     Config
	lanes      *lanes
	dispatcher *Dispatcher
}

// NewExecutor creates an Executor and starts its lanes. Call Close to stop.
func NewExecutor(deps Deps, cfg Config) (Executor, error) {
	return newExecutor(deps, cfg)
}

func newExecutor(deps Deps, cfg Config) (*executorImpl, error) {
	if deps.Store == nil || deps.Definitions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store and a definition registry")
	}
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/rendis/lifecycle/internal/engine")
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub()
	}

	e := &executorImpl{
		store:    deps.Store,
		defs:     deps.Definitions,
		resolver: deps.Resolver,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		config:   cfg,
		lanes:    newLanes(cfg.Lanes, cfg.LaneDepth),
	}
	e.dispatcher = newDispatcher(deps, cfg)
	return e, nil
}

// laneResult carries a lane's answer back to the waiting caller.
type laneResult struct {
	res *schema.TransitionResult
	err error
}

// onLane runs fn on the instance's lane and waits for it. fn keeps the
// caller's values but not its cancellation: once queued, an event is
// processed even if the caller stops waiting.
func (e *executorImpl) onLane(ctx context.Context, instanceID string, fn func(ctx context.Context) (*schema.TransitionResult, error)) (*schema.TransitionResult, error) {
	laneCtx := context.WithoutCancel(ctx)
	out := make(chan laneResult, 1)
	err := e.lanes.enqueue(ctx, instanceID, func() {
		res, err := fn(laneCtx)
		out <- laneResult{res, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-out:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.lanes.stopped():
		return nil, errShutdown()
	}
}

func (e *executorImpl) CreateInstance(ctx context.Context, objectType, instanceID string, fields map[string]any) (*schema.TransitionResult, error) {
	if _, err := e.defs.MustGet(objectType); err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return e.onLane(ctx, instanceID, func(ctx context.Context) (*schema.TransitionResult, error) {
		return e.create(ctx, objectType, instanceID, fields)
	})
}

func (e *executorImpl) create(ctx context.Context, objectType, instanceID string, fields map[string]any) (*schema.TransitionResult, error) {
	ctx = logging.WithIDs(ctx, objectType, instanceID, "create")
	ctx, span := e.startSpan(ctx, "lifecycle.create", objectType, instanceID, "create")
	defer span.End()
	start := time.Now()

	def, err := e.defs.MustGet(objectType)
	if err != nil {
		return nil, e.fail(ctx, span, err)
	}
	initial, ok := def.State(def.Initial)
	if !ok {
		return nil, e.fail(ctx, span, schema.NewErrorf(schema.ErrCodeDefinition,
			"initial state %q of %s is not defined", def.Initial, objectType))
	}

	now := e.clock.Now()
	inst := &store.Instance{
		ID:             instanceID,
		ObjectType:     objectType,
		State:          def.Initial,
		StateEnteredAt: now,
		Version:        1,
		TransitionSeq:  1,
		Fields:         make(map[string]any, len(fields)),
		Revision:       def.Revision,
		CreatedAt:      now,
	}
	mergePayload(inst.Fields, fields)

	records, err := e.stage(ctx, inst, 1, initial.OnEntry, now)
	if err != nil {
		return nil, e.fail(ctx, span, err)
	}
	inst.NextWakeAt = wakeFor(initial, now)

	err = e.store.CreateInstance(ctx, &store.Commit{
		Instance: inst,
		Event: &store.EventRecord{
			InstanceID: instanceID,
			ObjectType: objectType,
			Name:       "create",
			Origin:     schema.OriginUser,
			Payload:    fields,
			Outcome:    schema.OutcomeCreated,
			ToState:    def.Initial,
			Reason:     schema.ReasonCreated,
			Version:    1,
			Timestamp:  now,
		},
		Actions: records,
	})
	if err != nil {
		return nil, e.fail(ctx, span, err)
	}

	res := &schema.TransitionResult{
		InstanceID: instanceID,
		Event:      "create",
		Accepted:   true,
		ToState:    def.Initial,
		Reason:     schema.ReasonCreated,
		Outcome:    schema.OutcomeCreated,
		Version:    1,
	}
	e.metrics.ObserveEvent(objectType, "create", string(res.Outcome), time.Since(start))
	e.publish(ctx, inst, schema.StreamInstanceCreated, res)
	e.dispatcher.Dispatch(ctx, records)
	e.logger.InfoContext(ctx, "instance created", "state", def.Initial, "actions", len(records))
	return res, nil
}

func (e *executorImpl) DeleteInstance(ctx context.Context, instanceID string, origin schema.Origin) error {
	if origin == "" {
		origin = schema.OriginUser
	}
	_, err := e.onLane(ctx, instanceID, func(ctx context.Context) (*schema.TransitionResult, error) {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		ctx = logging.WithIDs(ctx, inst.ObjectType, instanceID, "delete")
		err = e.store.DeleteInstance(ctx, instanceID, &store.EventRecord{
			InstanceID: instanceID,
			ObjectType: inst.ObjectType,
			Name:       "delete",
			Origin:     origin,
			Outcome:    schema.OutcomeDeleted,
			FromState:  inst.State,
			Version:    inst.Version,
			Timestamp:  e.clock.Now(),
		})
		if err != nil {
			return nil, err
		}
		e.publish(ctx, inst, schema.StreamInstanceDeleted, nil)
		e.logger.InfoContext(ctx, "instance deleted", "state", inst.State)
		return nil, nil
	})
	return err
}

func (e *executorImpl) SubmitEvent(ctx context.Context, objectType, instanceID, event string, payload map[string]any, origin schema.Origin) (*schema.TransitionResult, error) {
	if origin == "" {
		origin = schema.OriginUser
	}
	if !origin.Valid() || origin == schema.OriginTimeout {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "origin %q cannot submit events", origin)
	}
	if instanceID == "" || event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance id and event name are required")
	}
	def, err := e.defs.MustGet(objectType)
	if err != nil {
		return nil, err
	}
	if !def.Declares(event) {
		return nil, unknownEvent(objectType, instanceID, event)
	}

	ev := schema.Event{
		ID:         uuid.NewString(),
		ObjectType: objectType,
		InstanceID: instanceID,
		Name:       event,
		Payload:    payload,
		Origin:     origin,
	}
	return e.onLane(ctx, instanceID, func(ctx context.Context) (*schema.TransitionResult, error) {
		ev.Timestamp = e.clock.Now()
		return e.handle(ctx, ev)
	})
}

func (e *executorImpl) SubmitTimeout(inst *store.Instance, done func(*schema.TransitionResult, error)) bool {
	if inst.NextWakeAt == nil {
		return false
	}
	ev := schema.Event{
		ID:         uuid.NewString(),
		ObjectType: inst.ObjectType,
		InstanceID: inst.ID,
		Origin:     schema.OriginTimeout,
		Wake:       &schema.WakeToken{StateEnteredAt: inst.StateEnteredAt, DueAt: *inst.NextWakeAt},
	}
	if def, ok := e.defs.Get(inst.ObjectType); ok {
		if st, ok := def.State(inst.State); ok && st.Timeout != nil {
			ev.Name = st.Timeout.Event
		}
	}
	return e.lanes.tryEnqueue(inst.ID, func() {
		ev.Timestamp = e.clock.Now()
		res, err := e.handle(context.Background(), ev)
		if err != nil {
			e.logger.Warn("timeout failed", "instance_id", inst.ID, "object_type", inst.ObjectType, "error", err)
		}
		if done != nil {
			done(res, err)
		}
	})
}

func (e *executorImpl) Status(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	recs, err := e.store.ListActions(ctx, store.ActionFilter{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	st := &InstanceStatus{Instance: inst, Actions: recs, AvailableEvents: []string{}}
	if def, ok := e.defs.Get(inst.ObjectType); ok {
		st.Definition = def.Name
		if s, ok := def.State(inst.State); ok {
			st.Final = s.Final
			seen := make(map[string]bool)
			for _, t := range s.Transitions {
				if !seen[t.Event] {
					seen[t.Event] = true
					st.AvailableEvents = append(st.AvailableEvents, t.Event)
				}
			}
		}
	}
	return st, nil
}

func (e *executorImpl) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return e.hub.Subscribe(ctx, filter)
}

func (e *executorImpl) RetryActions(ctx context.Context) (int, error) {
	return e.dispatcher.RetryDue(ctx)
}

func (e *executorImpl) Close() {
	e.lanes.stop()
	e.dispatcher.Close()
}

// --- Event processing (always on the instance's lane) ---

// committed describes a successful write the caller still has to announce.
type committed struct {
	inst    *store.Instance
	records []*store.ActionRecord
	from    string
	kind    string
}

// handle runs one event with conflict retries and then announces the
// result. A conflict means another writer moved the instance; the event is
// re-run against a fresh load and a fresh definition snapshot.
func (e *executorImpl) handle(ctx context.Context, ev schema.Event) (*schema.TransitionResult, error) {
	ctx = logging.WithIDs(ctx, ev.ObjectType, ev.InstanceID, ev.Name)
	ctx, span := e.startSpan(ctx, "lifecycle.event", ev.ObjectType, ev.InstanceID, ev.Name)
	defer span.End()
	span.SetAttributes(attribute.String("lifecycle.origin", string(ev.Origin)))
	start := time.Now()

	var (
		res  *schema.TransitionResult
		post *committed
		err  error
	)
	for attempt := 0; ; attempt++ {
		res, post, err = e.attempt(ctx, ev)
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			break
		}
		e.metrics.ObserveConflict(ev.ObjectType)
		if attempt >= e.config.MaxConflictRetries {
			err = schema.NewErrorf(schema.ErrCodeBusy,
				"instance kept changing: gave up after %d conflicting attempts", attempt+1).
				WithInstance(ev.InstanceID).
				WithCause(err)
			break
		}
		e.logger.DebugContext(ctx, "version conflict, reloading", "attempt", attempt+1)
		if werr := WaitForBackoff(ctx, ComputeBackoff(conflictBackoff, attempt)); werr != nil {
			err = werr
			break
		}
	}
	if err != nil {
		e.metrics.ObserveEvent(ev.ObjectType, ev.Name, "error", time.Since(start))
		return nil, e.fail(ctx, span, err)
	}

	span.SetAttributes(
		attribute.String("lifecycle.outcome", string(res.Outcome)),
		attribute.String("lifecycle.to_state", res.ToState),
	)
	span.SetStatus(codes.Ok, "")
	e.metrics.ObserveEvent(ev.ObjectType, res.Event, string(res.Outcome), time.Since(start))
	if ev.Origin == schema.OriginTimeout {
		e.metrics.ObserveTimeout(timeoutResult(res))
	}

	if post != nil {
		if post.kind == schema.StreamTransitionApplied {
			e.metrics.ObserveTransition(ev.ObjectType, post.from, post.inst.State)
		}
		e.publish(ctx, post.inst, post.kind, res)
		e.dispatcher.Dispatch(ctx, post.records)
	}

	e.logger.InfoContext(ctx, "event processed",
		"origin", string(ev.Origin),
		"outcome", string(res.Outcome),
		"from", res.FromState,
		"to", res.ToState,
		"version", res.Version)
	return res, nil
}

// attempt is one load-decide-commit pass.
func (e *executorImpl) attempt(ctx context.Context, ev schema.Event) (*schema.TransitionResult, *committed, error) {
	inst, err := e.store.GetInstance(ctx, ev.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.ObjectType != ev.ObjectType {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"instance is a %s, not a %s", inst.ObjectType, ev.ObjectType).WithInstance(inst.ID)
	}
	def, err := e.defs.MustGet(inst.ObjectType)
	if err != nil {
		if ev.Origin == schema.OriginTimeout {
			return e.park(ctx, ev, inst)
		}
		return nil, nil, err
	}
	st, ok := def.State(inst.State)
	if !ok {
		if ev.Origin == schema.OriginTimeout {
			return e.park(ctx, ev, inst)
		}
		return nil, nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"state %q is not defined by %s revision %s", inst.State, def.ObjectType, def.Revision).
			WithInstance(inst.ID)
	}

	if ev.Origin == schema.OriginTimeout {
		return e.attemptTimeout(ctx, ev, def, st, inst)
	}

	if !def.Declares(ev.Name) {
		return nil, nil, unknownEvent(ev.ObjectType, ev.InstanceID, ev.Name)
	}

	next := inst.Clone()
	mergePayload(next.Fields, ev.Payload)

	t := e.selectTransition(ctx, st, ev, next)
	if t == nil {
		reason := schema.ReasonGuardRejected
		if len(st.TransitionsFor(ev.Name)) == 0 {
			reason = schema.ReasonNoTransition
		}
		return e.ignore(ctx, ev, inst, next, reason)
	}
	return e.apply(ctx, ev, def, inst, next, t)
}

// selectTransition returns the first transition for the event whose guard
// passes, in declaration order.
func (e *executorImpl) selectTransition(ctx context.Context, st *definition.State, ev schema.Event, inst *store.Instance) *definition.Transition {
	env := e.env(inst, ev.Timestamp)
	for _, t := range st.TransitionsFor(ev.Name) {
		if t.Guard == nil || t.Guard.Guard(ctx, env) {
			return t
		}
		e.logger.DebugContext(ctx, "guard rejected", "to", t.To, "guard", t.Guard.Source)
	}
	return nil
}

// apply commits t: transition actions, then the arriving state's entry
// actions, the new wake time and the journal entry, in one write.
func (e *executorImpl) apply(ctx context.Context, ev schema.Event, def *definition.Definition, inst, next *store.Instance, t *definition.Transition) (*schema.TransitionResult, *committed, error) {
	target, ok := def.State(t.To)
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeDefinition, "transition target %q is not defined", t.To).
			WithInstance(inst.ID)
	}
	seq := inst.Version + 1

	next.State = t.To
	specs := make([]definition.ActionSpec, 0, len(t.Actions)+len(target.OnEntry))
	specs = append(specs, t.Actions...)
	specs = append(specs, target.OnEntry...)
	records, err := e.stage(ctx, next, seq, specs, ev.Timestamp)
	if err != nil {
		return nil, nil, err
	}

	next.StateEnteredAt = ev.Timestamp
	next.Version = seq
	next.TransitionSeq = seq
	next.NextWakeAt = wakeFor(target, ev.Timestamp)
	next.Revision = def.Revision

	err = e.store.CommitTransition(ctx, &store.Commit{
		Instance:        next,
		ExpectedVersion: inst.Version,
		Event:           e.journalEntry(ev, inst.State, t.To, schema.OutcomeApplied, schema.ReasonApplied, seq),
		Actions:         records,
	})
	if err != nil {
		return nil, nil, err
	}

	res := result(ev, true, inst.State, t.To, schema.OutcomeApplied, schema.ReasonApplied, seq)
	return res, &committed{inst: next, records: records, from: inst.State, kind: schema.StreamTransitionApplied}, nil
}

// ignore records an event that matched no transition. A payload still
// lands in the field snapshot, which costs a version.
func (e *executorImpl) ignore(ctx context.Context, ev schema.Event, inst, next *store.Instance, reason string) (*schema.TransitionResult, *committed, error) {
	version := inst.Version
	if len(ev.Payload) == 0 {
		if err := e.store.AppendEvent(ctx, e.journalEntry(ev, inst.State, inst.State, schema.OutcomeIgnored, reason, version)); err != nil {
			return nil, nil, err
		}
	} else {
		version++
		next.Version = version
		err := e.store.CommitTransition(ctx, &store.Commit{
			Instance:        next,
			ExpectedVersion: inst.Version,
			Event:           e.journalEntry(ev, inst.State, inst.State, schema.OutcomeIgnored, reason, version),
		})
		if err != nil {
			return nil, nil, err
		}
	}
	res := result(ev, false, inst.State, inst.State, schema.OutcomeIgnored, reason, version)
	return res, &committed{inst: next, from: inst.State, kind: schema.StreamEventIgnored}, nil
}

// attemptTimeout honors a timeout only while its wake token still matches
// the instance and the wake time has passed.
func (e *executorImpl) attemptTimeout(ctx context.Context, ev schema.Event, def *definition.Definition, st *definition.State, inst *store.Instance) (*schema.TransitionResult, *committed, error) {
	if st.Timeout != nil {
		ev.Name = st.Timeout.Event
	} else if ev.Name == "" {
		ev.Name = "timeout"
	}

	w := ev.Wake
	if w == nil || inst.NextWakeAt == nil ||
		!inst.NextWakeAt.Equal(w.DueAt) ||
		!inst.StateEnteredAt.Equal(w.StateEnteredAt) ||
		ev.Timestamp.Before(w.DueAt) {
		return e.stale(ctx, ev, inst)
	}

	if st.Timeout == nil {
		// The definition lost this timeout after it was armed.
		if err := e.store.SetWakeTime(ctx, inst.ID, inst.Version, nil); err != nil {
			return nil, nil, err
		}
		return e.stale(ctx, ev, inst)
	}

	next := inst.Clone()
	if c := st.Timeout.Condition; c != nil && !c.Guard(ctx, e.env(next, ev.Timestamp)) {
		return e.rearm(ctx, ev, st.Timeout, inst, schema.ReasonTimeoutCondition)
	}
	t := e.selectTransition(ctx, st, ev, next)
	if t == nil {
		reason := schema.ReasonGuardRejected
		if len(st.TransitionsFor(ev.Name)) == 0 {
			reason = schema.ReasonNoTransition
		}
		return e.rearm(ctx, ev, st.Timeout, inst, reason)
	}
	return e.apply(ctx, ev, def, inst, next, t)
}

// rearm handles a due timeout that did not transition: a reminder re-arms
// for another full duration, a timeout with an explicit target disarms.
func (e *executorImpl) rearm(ctx context.Context, ev schema.Event, to *definition.Timeout, inst *store.Instance, reason string) (*schema.TransitionResult, *committed, error) {
	var wake *time.Time
	if to.To == "" {
		w := ev.Timestamp.Add(to.Duration)
		wake = &w
	}
	if err := e.store.SetWakeTime(ctx, inst.ID, inst.Version, wake); err != nil {
		return nil, nil, err
	}
	if err := e.store.AppendEvent(ctx, e.journalEntry(ev, inst.State, inst.State, schema.OutcomeRearmed, reason, inst.Version)); err != nil {
		return nil, nil, err
	}
	next := inst.Clone()
	next.NextWakeAt = wake
	res := result(ev, false, inst.State, inst.State, schema.OutcomeRearmed, reason, inst.Version)
	return res, &committed{inst: next, from: inst.State, kind: schema.StreamTimeoutRearmed}, nil
}

func (e *executorImpl) stale(ctx context.Context, ev schema.Event, inst *store.Instance) (*schema.TransitionResult, *committed, error) {
	return e.dropTimeout(ctx, ev, inst, schema.ReasonStaleTimeout)
}

// park clears the wake of an instance whose object type or state is no
// longer served, so the sweep stops picking it up.
func (e *executorImpl) park(ctx context.Context, ev schema.Event, inst *store.Instance) (*schema.TransitionResult, *committed, error) {
	if ev.Name == "" {
		ev.Name = "timeout"
	}
	if inst.NextWakeAt != nil {
		if err := e.store.SetWakeTime(ctx, inst.ID, inst.Version, nil); err != nil {
			return nil, nil, err
		}
	}
	e.logger.WarnContext(ctx, "wake parked for unserved state", "state", inst.State)
	return e.dropTimeout(ctx, ev, inst, schema.ReasonUnservedWake)
}

func (e *executorImpl) dropTimeout(ctx context.Context, ev schema.Event, inst *store.Instance, reason string) (*schema.TransitionResult, *committed, error) {
	if err := e.store.AppendEvent(ctx, e.journalEntry(ev, inst.State, inst.State, schema.OutcomeStale, reason, inst.Version)); err != nil {
		return nil, nil, err
	}
	return result(ev, false, inst.State, inst.State, schema.OutcomeStale, reason, inst.Version), nil, nil
}

func (e *executorImpl) journalEntry(ev schema.Event, from, to string, outcome schema.Outcome, reason string, version int64) *store.EventRecord {
	return &store.EventRecord{
		ID:         ev.ID,
		InstanceID: ev.InstanceID,
		ObjectType: ev.ObjectType,
		Name:       ev.Name,
		Origin:     ev.Origin,
		Payload:    ev.Payload,
		Outcome:    outcome,
		FromState:  from,
		ToState:    to,
		Reason:     reason,
		Version:    version,
		Timestamp:  ev.Timestamp,
	}
}

func result(ev schema.Event, accepted bool, from, to string, outcome schema.Outcome, reason string, version int64) *schema.TransitionResult {
	return &schema.TransitionResult{
		InstanceID: ev.InstanceID,
		Event:      ev.Name,
		Accepted:   accepted,
		FromState:  from,
		ToState:    to,
		Reason:     reason,
		Outcome:    outcome,
		Version:    version,
	}
}

func timeoutResult(res *schema.TransitionResult) string {
	if res.Accepted {
		return "fired"
	}
	return string(res.Outcome)
}

func unknownEvent(objectType, instanceID, event string) error {
	return schema.NewErrorf(schema.ErrCodeUnknownEvent,
		"event %q is not declared for object type %s", event, objectType).
		WithInstance(instanceID)
}

// --- Announcements ---

func (e *executorImpl) publish(ctx context.Context, inst *store.Instance, kind string, res *schema.TransitionResult) {
	payload := map[string]any{}
	if res != nil {
		payload = map[string]any{
			"event":    res.Event,
			"from":     res.FromState,
			"to":       res.ToState,
			"accepted": res.Accepted,
			"reason":   res.Reason,
		}
	}
	if inst.NextWakeAt != nil {
		payload["next_wake_at"] = inst.NextWakeAt.UTC()
	}
	err := e.hub.Publish(ctx, streaming.StreamEvent{
		InstanceID: inst.ID,
		ObjectType: inst.ObjectType,
		Type:       kind,
		State:      inst.State,
		Version:    inst.Version,
		Payload:    payload,
		Timestamp:  e.clock.Now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "publish failed", "type", kind, "error", err)
	}
}

func (e *executorImpl) startSpan(ctx context.Context, name, objectType, instanceID, event string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("lifecycle.object_type", objectType),
		attribute.String("lifecycle.instance_id", instanceID),
		attribute.String("lifecycle.event", event),
	))
}

// fail records err on the span and logs it at a level matching its code.
func (e *executorImpl) fail(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch schema.CodeOf(err) {
	case schema.ErrCodeUnknownEvent, schema.ErrCodeNotFound, schema.ErrCodeValidation:
		e.logger.DebugContext(ctx, "event rejected", "error", err)
	default:
		e.logger.ErrorContext(ctx, "event failed", "error", err)
	}
	return err
}
