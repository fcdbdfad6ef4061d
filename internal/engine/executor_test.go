package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/internal/streaming"
	"github.com/rendis/lifecycle/internal/validation"
	"github.com/rendis/lifecycle/pkg/schema"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const ticketYAML = `
name: Ticket
object: ticket
initial: Open
states:
  - name: Open
    transitions:
      - event: route
        to: Billing
        guard: amount > 100
      - event: route
        to: General
      - event: compute
        to: General
        actions:
          - type: field_update
            field: age
            value: DAYS_BETWEEN(missing_date, NOW())
  - name: Billing
    final: true
  - name: General
    final: true
`

// recordingNotifier captures alerts and fails the first failures calls.
// A negative failures fails every call.
type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []actions.Alert
	failures int
	calls    atomic.Int32
}

func (n *recordingNotifier) SendAlert(_ context.Context, a actions.Alert) error {
	c := int(n.calls.Add(1))
	if n.failures < 0 || c <= n.failures {
		return schema.NewError(schema.ErrCodeExecution, "smtp relay unavailable")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) sent() []actions.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]actions.Alert(nil), n.alerts...)
}

type recordingTasks struct {
	mu    sync.Mutex
	tasks []actions.Task
}

func (s *recordingTasks) CreateTask(_ context.Context, t actions.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *recordingTasks) created() []actions.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actions.Task(nil), s.tasks...)
}

type harness struct {
	t        *testing.T
	ex       *executorImpl
	store    store.Store
	clock    *ManualClock
	notifier *recordingNotifier
	tasks    *recordingTasks
	resolver *expressions.MapResolver
	metrics  *metrics.Metrics
}

type harnessOption func(*Deps, *Config)

func withStore(s store.Store) harnessOption {
	return func(d *Deps, _ *Config) { d.Store = s }
}

func withFailingNotifier(failures int) harnessOption {
	return func(d *Deps, _ *Config) { d.Notifier.(*recordingNotifier).failures = failures }
}

func loadDefinitions(t *testing.T, reg *definition.Registry, handlers *actions.Registry, docs ...[]byte) {
	t.Helper()
	compiler := expressions.NewCompiler()
	v, err := validation.NewDefinitionValidator(validation.Options{Handlers: handlers, Guards: compiler})
	require.NoError(t, err)
	loader := definition.NewLoader(reg, v, compiler, slogt.New(t))
	for _, doc := range docs {
		def, vr, err := loader.Parse(doc, "test.yaml")
		require.NoError(t, err, "validation: %+v", vr)
		reg.Replace(def)
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	caseDoc, err := os.ReadFile("../definition/testdata/case.yaml")
	require.NoError(t, err)

	logger := slogt.New(t)
	handlers := actions.NewRegistry()
	require.NoError(t, handlers.Register(actions.NewLogRecordHandler(logger)))
	defs := definition.NewRegistry()
	loadDefinitions(t, defs, handlers, caseDoc, []byte(ticketYAML))

	h := &harness{
		t:        t,
		clock:    NewManualClock(start),
		notifier: &recordingNotifier{},
		tasks:    &recordingTasks{},
		resolver: expressions.NewMapResolver(),
		metrics:  metrics.New(),
	}
	deps := Deps{
		Store:       store.NewMemoryStore(),
		Definitions: defs,
		Resolver:    h.resolver,
		Notifier:    h.notifier,
		Tasks:       h.tasks,
		Handlers:    handlers,
		Metrics:     h.metrics,
		Clock:       h.clock,
		Logger:      logger,
	}
	cfg := Config{Lanes: 4, LaneDepth: 16, MaxConflictRetries: 3, PoolSize: 8}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	h.store = deps.Store

	ex, err := newExecutor(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(ex.Close)
	h.ex = ex
	return h
}

func (h *harness) create(id string, fields map[string]any) {
	h.t.Helper()
	res, err := h.ex.CreateInstance(context.Background(), "case", id, fields)
	require.NoError(h.t, err)
	require.Equal(h.t, "New", res.ToState)
	h.settle()
}

func (h *harness) submit(id, event string, payload map[string]any) *schema.TransitionResult {
	h.t.Helper()
	res, err := h.ex.SubmitEvent(context.Background(), "case", id, event, payload, schema.OriginUser)
	require.NoError(h.t, err)
	h.settle()
	return res
}

// settle waits for the deliveries the last commit started.
func (h *harness) settle() {
	h.ex.dispatcher.Wait()
}

// fireDue submits a timeout for every instance due at the current clock
// time and waits for the results.
func (h *harness) fireDue() []*schema.TransitionResult {
	h.t.Helper()
	due, err := h.store.ListDueInstances(context.Background(), h.clock.Now(), 100)
	require.NoError(h.t, err)
	return h.fire(due...)
}

func (h *harness) fire(insts ...*store.Instance) []*schema.TransitionResult {
	h.t.Helper()
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []*schema.TransitionResult
	)
	for _, inst := range insts {
		wg.Add(1)
		ok := h.ex.SubmitTimeout(inst, func(res *schema.TransitionResult, err error) {
			defer wg.Done()
			assert.NoError(h.t, err)
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
		})
		if !ok {
			wg.Done()
			h.t.Fatalf("timeout for %s was not accepted", inst.ID)
		}
	}
	wg.Wait()
	h.settle()
	return out
}

func (h *harness) retry() {
	h.t.Helper()
	_, err := h.ex.RetryActions(context.Background())
	require.NoError(h.t, err)
	h.settle()
}

func (h *harness) instance(id string) *store.Instance {
	h.t.Helper()
	inst, err := h.store.GetInstance(context.Background(), id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) action(key string) *store.ActionRecord {
	h.t.Helper()
	rec, err := h.store.GetAction(context.Background(), key)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) outcomes(id string) []schema.Outcome {
	h.t.Helper()
	evs, err := h.store.GetEvents(context.Background(), id, 0)
	require.NoError(h.t, err)
	out := make([]schema.Outcome, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Outcome)
	}
	return out
}

func caseFields() map[string]any {
	return map[string]any{
		"priority":        "Critical",
		"owner_responded": false,
		"contact_email":   "customer@example.com",
	}
}

func TestCreateInstance(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())

	inst := h.instance("c1")
	assert.Equal(t, "New", inst.State)
	assert.Equal(t, int64(1), inst.Version)
	assert.Equal(t, int64(1), inst.TransitionSeq)
	assert.Nil(t, inst.NextWakeAt)
	assert.True(t, inst.StateEnteredAt.Equal(start))
	assert.Equal(t, "Critical", inst.Fields["priority"])
	assert.Equal(t, []schema.Outcome{schema.OutcomeCreated}, h.outcomes("c1"))
}

func TestCreateInstance_Errors(t *testing.T) {
	h := newHarness(t)
	_, err := h.ex.CreateInstance(context.Background(), "invoice", "i1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	h.create("c1", nil)
	_, err = h.ex.CreateInstance(context.Background(), "case", "c1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestCreateInstance_GeneratesID(t *testing.T) {
	h := newHarness(t)
	res, err := h.ex.CreateInstance(context.Background(), "case", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.InstanceID)
	assert.Equal(t, "New", h.instance(res.InstanceID).State)
}

func TestSubmitEvent_GuardRejected(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	res := h.submit("c1", "assign", nil)
	require.True(t, res.Accepted)
	assert.Equal(t, "Assigned", res.ToState)

	res = h.submit("c1", "resolve", nil)
	assert.False(t, res.Accepted)
	assert.Equal(t, schema.OutcomeIgnored, res.Outcome)
	assert.Equal(t, schema.ReasonGuardRejected, res.Reason)
	assert.Equal(t, "Assigned", res.ToState)

	inst := h.instance("c1")
	assert.Equal(t, "Assigned", inst.State)
	assert.Equal(t, int64(2), inst.Version)

	res = h.submit("c1", "resolve", map[string]any{"resolution": "replaced cable"})
	assert.True(t, res.Accepted)
	assert.Equal(t, "Resolved", res.ToState)
	assert.Equal(t, "replaced cable", h.instance("c1").Fields["resolution"])
}

func TestSubmitEvent_TransitionActions(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.clock.Advance(time.Minute)
	h.submit("c1", "assign", nil)

	inst := h.instance("c1")
	assert.Equal(t, start.Add(time.Minute).Format(time.RFC3339Nano), inst.Fields["assigned_at"])
	require.NotNil(t, inst.NextWakeAt)
	assert.True(t, inst.NextWakeAt.Equal(start.Add(time.Minute+4*time.Hour)))
	assert.True(t, inst.StateEnteredAt.Equal(start.Add(time.Minute)))
	assert.Equal(t, int64(2), inst.TransitionSeq)
}

func TestSubmitEvent_NoTransitionInState(t *testing.T) {
	h := newHarness(t)
	h.create("c1", nil)

	res := h.submit("c1", "close", nil)
	assert.False(t, res.Accepted)
	assert.Equal(t, schema.ReasonNoTransition, res.Reason)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, []schema.Outcome{schema.OutcomeCreated, schema.OutcomeIgnored}, h.outcomes("c1"))
}

func TestSubmitEvent_IgnoredPayloadLands(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)

	res := h.submit("c1", schema.EventFieldsChanged, map[string]any{"owner_responded": true})
	assert.False(t, res.Accepted)
	assert.Equal(t, int64(3), res.Version)

	inst := h.instance("c1")
	assert.Equal(t, true, inst.Fields["owner_responded"])
	assert.Equal(t, int64(3), inst.Version)
	assert.Equal(t, int64(2), inst.TransitionSeq)
}

func TestSubmitEvent_Errors(t *testing.T) {
	h := newHarness(t)
	h.create("c1", nil)
	ctx := context.Background()

	_, err := h.ex.SubmitEvent(ctx, "case", "c1", "teleport", nil, schema.OriginUser)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownEvent))

	_, err = h.ex.SubmitEvent(ctx, "case", "missing", "assign", nil, schema.OriginUser)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = h.ex.SubmitEvent(ctx, "invoice", "c1", "assign", nil, schema.OriginUser)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = h.ex.SubmitEvent(ctx, "ticket", "c1", "route", nil, schema.OriginUser)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.ex.SubmitEvent(ctx, "case", "c1", "assign", nil, schema.OriginTimeout)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.ex.SubmitEvent(ctx, "case", "", "assign", nil, schema.OriginUser)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSubmitEvent_GuardTieBreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		_, err := h.ex.CreateInstance(ctx, "ticket", id, nil)
		require.NoError(t, err)
	}

	res, err := h.ex.SubmitEvent(ctx, "ticket", "t1", "route", map[string]any{"amount": 250}, schema.OriginUser)
	require.NoError(t, err)
	assert.Equal(t, "Billing", res.ToState)

	res, err = h.ex.SubmitEvent(ctx, "ticket", "t2", "route", map[string]any{"amount": 20}, schema.OriginUser)
	require.NoError(t, err)
	assert.Equal(t, "General", res.ToState)
}

func TestSubmitEvent_FieldUpdateFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ex.CreateInstance(ctx, "ticket", "t1", nil)
	require.NoError(t, err)

	_, err = h.ex.SubmitEvent(ctx, "ticket", "t1", "compute", nil, schema.OriginUser)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionFatal))

	inst := h.instance("t1")
	assert.Equal(t, "Open", inst.State)
	assert.Equal(t, int64(1), inst.Version)
	assert.NotContains(t, inst.Fields, "age")
	assert.Equal(t, []schema.Outcome{schema.OutcomeCreated}, h.outcomes("t1"))
}

// Scenario: a critical case nobody answers escalates after four hours.
func TestTimeout_Escalates(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)

	h.clock.Advance(4*time.Hour - time.Second)
	assert.Empty(t, h.fireDue())

	h.clock.Advance(time.Second)
	results := h.fireDue()
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)
	assert.Equal(t, "auto_escalate", results[0].Event)
	assert.Equal(t, "Escalated", results[0].ToState)

	inst := h.instance("c1")
	assert.Equal(t, "Escalated", inst.State)
	assert.Equal(t, true, inst.Fields["escalated"])
	assert.Nil(t, inst.NextWakeAt)

	tasks := h.tasks.created()
	require.Len(t, tasks, 1)
	assert.Equal(t, "escalation_queue", tasks[0].Assignee)
	assert.Equal(t, "High", tasks[0].Priority)
	assert.Equal(t, "Review escalated case", tasks[0].Subject)
	assert.True(t, tasks[0].DueAt.Equal(start.Add(5*time.Hour)))
	assert.Equal(t, actionKey("c1", 3, 1), tasks[0].IdempotencyKey)
	assert.Equal(t, store.ActionDone, h.action(actionKey("c1", 3, 1)).Status)

	evs, err := h.store.GetEvents(context.Background(), "c1", 0)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, schema.OriginTimeout, last.Origin)
	assert.Equal(t, "auto_escalate", last.Name)
}

func TestTimeout_ConditionFalseRearms(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	h.clock.Advance(time.Hour)
	h.submit("c1", schema.EventFieldsChanged, map[string]any{"owner_responded": true})

	h.clock.Advance(3 * time.Hour)
	results := h.fireDue()
	require.Len(t, results, 1)
	assert.False(t, results[0].Accepted)
	assert.Equal(t, schema.OutcomeRearmed, results[0].Outcome)
	assert.Equal(t, schema.ReasonTimeoutCondition, results[0].Reason)

	inst := h.instance("c1")
	assert.Equal(t, "Assigned", inst.State)
	require.NotNil(t, inst.NextWakeAt)
	assert.True(t, inst.NextWakeAt.Equal(start.Add(8*time.Hour)))
	assert.Equal(t, int64(3), inst.Version)
	assert.Empty(t, h.tasks.created())
}

func TestTimeout_LowPriorityNeverEscalates(t *testing.T) {
	h := newHarness(t)
	fields := caseFields()
	fields["priority"] = "Low"
	h.create("c1", fields)
	h.submit("c1", "assign", nil)

	for range 3 {
		h.clock.Advance(4 * time.Hour)
		results := h.fireDue()
		require.Len(t, results, 1)
		assert.Equal(t, schema.OutcomeRearmed, results[0].Outcome)
	}
	assert.Equal(t, "Assigned", h.instance("c1").State)
}

func TestTimeout_DuplicateIsStale(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	h.clock.Advance(4 * time.Hour)

	armed := h.instance("c1")
	first := h.fire(armed)
	second := h.fire(armed)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, first[0].Accepted)
	assert.False(t, second[0].Accepted)
	assert.Equal(t, schema.OutcomeStale, second[0].Outcome)

	inst := h.instance("c1")
	assert.Equal(t, "Escalated", inst.State)
	assert.Equal(t, int64(3), inst.Version)
	assert.Len(t, h.tasks.created(), 1)
	assert.Equal(t, []schema.Outcome{
		schema.OutcomeCreated, schema.OutcomeApplied, schema.OutcomeApplied, schema.OutcomeStale,
	}, h.outcomes("c1"))
}

func TestTimeout_CancelledByTransition(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	armed := h.instance("c1")

	h.clock.Advance(time.Hour)
	h.submit("c1", "resolve", map[string]any{"resolution": "done"})
	resolved := h.instance("c1")
	require.NotNil(t, resolved.NextWakeAt)
	assert.True(t, resolved.NextWakeAt.Equal(start.Add(25*time.Hour)))

	h.clock.Advance(3 * time.Hour)
	assert.Empty(t, h.fireDue())

	results := h.fire(armed)
	require.Len(t, results, 1)
	assert.Equal(t, schema.OutcomeStale, results[0].Outcome)
	assert.Equal(t, "Resolved", h.instance("c1").State)
}

func TestTimeout_EarlyWakeIsStale(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)

	results := h.fire(h.instance("c1"))
	require.Len(t, results, 1)
	assert.Equal(t, schema.OutcomeStale, results[0].Outcome)
	assert.Equal(t, "Assigned", h.instance("c1").State)
}

func TestSubmitTimeout_NoWake(t *testing.T) {
	h := newHarness(t)
	h.create("c1", nil)
	assert.False(t, h.ex.SubmitTimeout(h.instance("c1"), nil))
}

// Scenario: the resolution mail keeps failing, the case still auto-closes.
func TestActions_DegradeAfterRetries(t *testing.T) {
	h := newHarness(t, withFailingNotifier(-1))
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	res := h.submit("c1", "resolve", map[string]any{"resolution": "fixed"})
	require.Equal(t, "Resolved", res.ToState)

	key := actionKey("c1", 3, 1)
	rec := h.action(key)
	assert.Equal(t, store.ActionPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, rec.NextAttemptAt.Equal(start.Add(time.Second)))

	h.clock.Advance(time.Second)
	h.retry()
	rec = h.action(key)
	assert.Equal(t, store.ActionPending, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.NextAttemptAt.Equal(start.Add(3*time.Second)))

	// The alert staged on entering Assigned belongs to a superseded
	// transition and is not retried.
	assigned := h.action(actionKey("c1", 2, 0))
	assert.Equal(t, store.ActionDegraded, assigned.Status)
	assert.Equal(t, reasonSuperseded, assigned.LastError)
	assert.Equal(t, 1, assigned.Attempts)

	h.clock.Advance(2 * time.Second)
	h.retry()
	rec = h.action(key)
	assert.Equal(t, store.ActionDegraded, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "smtp relay unavailable")
	assert.Nil(t, rec.NextAttemptAt)

	h.clock.Advance(time.Hour)
	h.retry()
	assert.Equal(t, 4, int(h.notifier.calls.Load()))

	assert.Equal(t, "Resolved", h.instance("c1").State)
	h.clock.Advance(24 * time.Hour)
	results := h.fireDue()
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)
	assert.Equal(t, "auto_close", results[0].Event)

	inst := h.instance("c1")
	assert.Equal(t, "Closed", inst.State)
	assert.Nil(t, inst.NextWakeAt)
	assert.NotNil(t, inst.Fields["closed_date"])
	assert.Equal(t, store.ActionDone, h.action(actionKey("c1", 4, 1)).Status)
}

func TestActions_RetrySucceeds(t *testing.T) {
	h := newHarness(t, withFailingNotifier(1))
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)

	key := actionKey("c1", 2, 0)
	assert.Equal(t, store.ActionPending, h.action(key).Status)
	assert.Empty(t, h.notifier.sent())

	h.retry()
	assert.Equal(t, store.ActionPending, h.action(key).Status, "not due yet")

	h.clock.Advance(time.Second)
	h.retry()
	rec := h.action(key)
	assert.Equal(t, store.ActionDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	require.Len(t, h.notifier.sent(), 1)
	assert.Equal(t, key, h.notifier.sent()[0].IdempotencyKey)
}

func TestActions_PendingRecoveredAfterRestart(t *testing.T) {
	first := newHarness(t)
	first.create("c1", caseFields())
	first.submit("c1", "assign", nil)
	key := actionKey("c1", 2, 0)
	require.Equal(t, store.ActionDone, first.action(key).Status)

	// Put the record back the way a crash between commit and delivery
	// leaves it.
	pending := store.ActionPending
	zero := 0
	var none *time.Time
	require.NoError(t, first.store.UpdateAction(context.Background(), key, store.ActionUpdate{
		Status: &pending, Attempts: &zero, NextAttemptAt: &none,
	}))

	second := newHarness(t, withStore(first.store))
	second.retry()

	rec := second.action(key)
	assert.Equal(t, store.ActionDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.Len(t, second.notifier.sent(), 1)
	assert.Equal(t, key, second.notifier.sent()[0].IdempotencyKey)
}

func TestActions_RecipientResolution(t *testing.T) {
	h := newHarness(t)
	caseRef := expressions.EntityRef{ObjectType: "case", ID: "c1"}
	owner := expressions.EntityRef{ObjectType: "user", ID: "u7"}
	h.resolver.Link(caseRef, "owner", owner)
	h.resolver.SetFields(owner, map[string]any{"email": "owner@example.com"})

	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	h.submit("c1", "resolve", map[string]any{"resolution": "fixed"})

	sent := h.notifier.sent()
	require.Len(t, sent, 2)
	byTemplate := map[string]actions.Alert{}
	for _, a := range sent {
		byTemplate[a.Template] = a
	}
	assert.Equal(t, []string{"owner@example.com"}, byTemplate["case_assigned"].Recipients)
	assert.Equal(t, []string{"customer@example.com"}, byTemplate["case_resolved"].Recipients)
	assert.Equal(t, "fixed", byTemplate["case_resolved"].Fields["resolution"])
}

func TestActions_UnresolvedRecipientDropped(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Recipients)
	assert.Equal(t, store.ActionDone, h.action(actionKey("c1", 2, 0)).Status)
}

func TestActions_SnapshotAtCommit(t *testing.T) {
	h := newHarness(t, withFailingNotifier(1))
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	h.submit("c1", schema.EventFieldsChanged, map[string]any{"contact_email": "other@example.com"})

	h.clock.Advance(time.Second)
	h.retry()
	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "customer@example.com", sent[0].Fields["contact_email"])
}

func TestActions_DeletedInstanceDegrades(t *testing.T) {
	h := newHarness(t, withFailingNotifier(-1))
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	require.NoError(t, h.ex.DeleteInstance(context.Background(), "c1", schema.OriginAdmin))

	h.clock.Advance(time.Second)
	h.retry()
	rec := h.action(actionKey("c1", 2, 0))
	assert.Equal(t, store.ActionDegraded, rec.Status)
	assert.Equal(t, 1, int(h.notifier.calls.Load()))
}

// Scenario: a closed case can be reopened within thirty days only.
func TestReopenWindow(t *testing.T) {
	for _, tc := range []struct {
		name     string
		after    time.Duration
		accepted bool
		state    string
	}{
		{"within window", 29 * 24 * time.Hour, true, "Assigned"},
		{"on the last day", 30 * 24 * time.Hour, true, "Assigned"},
		{"after window", 31 * 24 * time.Hour, false, "Closed"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.create("c1", caseFields())
			h.submit("c1", "assign", nil)
			h.submit("c1", "resolve", map[string]any{"resolution": "fixed"})
			res := h.submit("c1", "close", nil)
			require.Equal(t, "Closed", res.ToState)

			closed := h.instance("c1")
			assert.Nil(t, closed.NextWakeAt)
			assert.Equal(t, start.Format(time.RFC3339Nano), closed.Fields["closed_date"])

			h.clock.Advance(tc.after)
			res = h.submit("c1", "reopen", nil)
			assert.Equal(t, tc.accepted, res.Accepted)
			assert.Equal(t, tc.state, h.instance("c1").State)
		})
	}
}

func TestCustomerReplyReturnsToAssigned(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	h.submit("c1", "resolve", map[string]any{"resolution": "fixed"})

	h.clock.Advance(2 * time.Hour)
	res := h.submit("c1", "customer_reply", map[string]any{"customer_response": "still broken"})
	require.True(t, res.Accepted)
	inst := h.instance("c1")
	assert.Equal(t, "Assigned", inst.State)
	require.NotNil(t, inst.NextWakeAt)
	assert.True(t, inst.NextWakeAt.Equal(start.Add(6*time.Hour)))
}

func TestSubmitEvent_TimeoutEventHonoursCondition(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"c1", "c2"} {
		h.create(id, caseFields())
		h.submit(id, "assign", nil)
		h.submit(id, "resolve", map[string]any{"resolution": "fixed"})
	}

	// auto_close sent by hand cannot skip customer_response = NULL.
	res := h.submit("c1", "auto_close", map[string]any{"customer_response": "still broken"})
	assert.False(t, res.Accepted)
	assert.Equal(t, schema.OutcomeIgnored, res.Outcome)
	assert.Equal(t, schema.ReasonGuardRejected, res.Reason)
	assert.Equal(t, "Resolved", h.instance("c1").State)

	res = h.submit("c2", "auto_close", nil)
	assert.True(t, res.Accepted)
	assert.Equal(t, "Closed", h.instance("c2").State)
}

func TestDeleteInstance(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)
	armed := h.instance("c1")

	require.NoError(t, h.ex.DeleteInstance(context.Background(), "c1", ""))
	_, err := h.store.GetInstance(context.Background(), "c1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	h.clock.Advance(4 * time.Hour)
	assert.Empty(t, h.fireDue())

	var got error
	done := make(chan struct{})
	require.True(t, h.ex.SubmitTimeout(armed, func(_ *schema.TransitionResult, err error) {
		got = err
		close(done)
	}))
	<-done
	assert.True(t, schema.IsCode(got, schema.ErrCodeNotFound))

	err = h.ex.DeleteInstance(context.Background(), "c1", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// conflictingStore loses every optimistic write race.
type conflictingStore struct {
	store.Store
	commits atomic.Int32
}

func (s *conflictingStore) CommitTransition(context.Context, *store.Commit) error {
	s.commits.Add(1)
	return schema.NewError(schema.ErrCodeConflict, "version moved")
}

func TestSubmitEvent_BusyAfterConflicts(t *testing.T) {
	cs := &conflictingStore{Store: store.NewMemoryStore()}
	h := newHarness(t, withStore(cs))
	h.create("c1", caseFields())

	_, err := h.ex.SubmitEvent(context.Background(), "case", "c1", "assign", nil, schema.OriginUser)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBusy))
	assert.Equal(t, int32(4), cs.commits.Load())
	assert.Equal(t, "New", h.instance("c1").State)
}

// flakyStore conflicts on the first commit only.
type flakyStore struct {
	store.Store
	failed atomic.Bool
}

func (s *flakyStore) CommitTransition(ctx context.Context, c *store.Commit) error {
	if s.failed.CompareAndSwap(false, true) {
		return schema.NewError(schema.ErrCodeConflict, "version moved")
	}
	return s.Store.CommitTransition(ctx, c)
}

func TestSubmitEvent_ConflictRetried(t *testing.T) {
	h := newHarness(t, withStore(&flakyStore{Store: store.NewMemoryStore()}))
	h.create("c1", caseFields())
	res := h.submit("c1", "assign", nil)
	assert.True(t, res.Accepted)
	assert.Equal(t, "Assigned", h.instance("c1").State)
}

type failingStore struct {
	store.Store
}

func (failingStore) GetInstance(context.Context, string) (*store.Instance, error) {
	return nil, errors.New("disk on fire")
}

func TestSubmitEvent_StoreFailure(t *testing.T) {
	h := newHarness(t, withStore(failingStore{Store: store.NewMemoryStore()}))
	_, err := h.ex.SubmitEvent(context.Background(), "case", "c1", "assign", nil, schema.OriginUser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestSubmitEvent_SerializedPerInstance(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ex.SubmitEvent(context.Background(), "case", "c1", schema.EventFieldsChanged,
				map[string]any{"touch": i}, schema.OriginUser)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inst := h.instance("c1")
	assert.Equal(t, int64(1+n), inst.Version)
	evs, err := h.store.GetEvents(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1+n)
}

func TestSubmitEvent_ParallelInstances(t *testing.T) {
	h := newHarness(t)
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		h.create(id, caseFields())
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.ex.SubmitEvent(context.Background(), "case", id, "assign", nil, schema.OriginUser)
			assert.NoError(t, err)
			assert.True(t, res.Accepted)
		}()
	}
	wg.Wait()
	h.settle()

	for _, id := range ids {
		assert.Equal(t, "Assigned", h.instance(id).State)
	}
	assert.Len(t, h.notifier.sent(), len(ids))
}

// run replays one scripted history and returns what it left behind.
func run(t *testing.T) (*store.Instance, []schema.Outcome) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.clock.Advance(10 * time.Minute)
	h.submit("c1", "assign", nil)
	h.clock.Advance(time.Hour)
	h.submit("c1", "resolve", nil)
	h.clock.Advance(3 * time.Hour)
	h.fireDue()
	h.clock.Advance(30 * time.Minute)
	h.submit("c1", "resolve", map[string]any{"resolution": "patched"})
	h.clock.Advance(24 * time.Hour)
	h.fireDue()
	return h.instance("c1"), h.outcomes("c1")
}

func TestDeterministicReplay(t *testing.T) {
	a, aOut := run(t)
	b, bOut := run(t)

	assert.Equal(t, "Closed", a.State)
	assert.Equal(t, a.State, b.State)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, a.Fields, b.Fields)
	assert.True(t, a.StateEnteredAt.Equal(b.StateEnteredAt))
	assert.Equal(t, aOut, bOut)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.submit("c1", "assign", nil)

	st, err := h.ex.Status(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Assigned", st.Instance.State)
	assert.Equal(t, "Support case", st.Definition)
	assert.False(t, st.Final)
	assert.Equal(t, []string{"resolve", "auto_escalate"}, st.AvailableEvents)
	require.Len(t, st.Actions, 1)
	assert.Equal(t, schema.ActionEmailAlert, st.Actions[0].Type)

	_, err = h.ex.Status(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)
	ch, cancel, err := h.ex.Subscribe(context.Background(), streaming.EventFilter{InstanceID: "c1"})
	require.NoError(t, err)
	defer cancel()

	h.create("c1", caseFields())
	h.create("c2", caseFields())
	h.submit("c1", "assign", nil)

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, "c1", ev.InstanceID)
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("stream stalled after %v", types)
		}
	}
	assert.Equal(t, []string{
		schema.StreamInstanceCreated,
		schema.StreamTransitionApplied,
		schema.StreamActionDone,
	}, types)
}

func TestClose_RejectsNewWork(t *testing.T) {
	h := newHarness(t)
	h.create("c1", caseFields())
	h.ex.Close()

	_, err := h.ex.SubmitEvent(context.Background(), "case", "c1", "assign", nil, schema.OriginUser)
	assert.True(t, schema.IsCode(err, schema.ErrCodeShutdown))
	assert.False(t, h.ex.SubmitTimeout(h.instance("c1"), nil))
}

func TestNewExecutor_RequiresStore(t *testing.T) {
	_, err := NewExecutor(Deps{}, Config{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
