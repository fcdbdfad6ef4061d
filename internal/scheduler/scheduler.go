package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/engine"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/pkg/schema"
)

// DefaultSpec is the sweep cadence when none is configured.
const DefaultSpec = "@every 15s"

const (
	defaultBatchSize = 500
	rearmPageSize    = 200
)

// TimeoutSubmitter is the part of the engine the sweep drives.
type TimeoutSubmitter interface {
	SubmitTimeout(inst *store.Instance, done func(*schema.TransitionResult, error)) bool
	RetryActions(ctx context.Context) (int, error)
}

// Config controls the sweep.
type Config struct {
	// Spec is a robfig/cron schedule, e.g. "@every 15s" or "*/1 * * * *".
	Spec      string `json:"spec"`
	BatchSize int    `json:"batch_size"`
}

// Scheduler fires due timeouts and retries due action deliveries.
type Scheduler struct {
	store   store.Store
	defs    *definition.Registry
	engine  TimeoutSubmitter
	metrics *metrics.Metrics
	clock   engine.Clock
	logger  *slog.Logger
	config  Config

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{} // instance IDs with a queued timeout
}

// New creates a Scheduler. It re-derives wake times whenever a definition
// in defs is replaced.
func New(s store.Store, defs *definition.Registry, eng TimeoutSubmitter, m *metrics.Metrics, clock engine.Clock, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if clock == nil {
		clock = engine.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	sch := &Scheduler{
		store:    s,
		defs:     defs,
		engine:   eng,
		metrics:  m,
		clock:    clock,
		logger:   logger,
		config:   cfg,
		ctx:      context.Background(),
		inflight: make(map[string]struct{}),
	}
	defs.OnReplace(sch.definitionReplaced)
	return sch
}

// Start recovers wake times, runs one sweep and then sweeps on the
// configured cadence until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	schedCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.config.Spec, func() { s.sweep(schedCtx) }); err != nil {
		s.mu.Unlock()
		cancel()
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid sweep schedule %q", s.config.Spec).WithCause(err)
	}
	s.cron = c
	s.ctx = schedCtx
	s.cancel = cancel
	s.mu.Unlock()

	if _, err := s.RearmAll(schedCtx); err != nil {
		s.logger.Error("rearm on start failed", slog.String("error", err.Error()))
	}
	s.sweep(schedCtx)
	c.Start()
	s.logger.Info("scheduler started", slog.String("spec", s.config.Spec))
	return nil
}

// Stop halts the cadence and waits for a running sweep to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.cron = nil
	s.ctx = context.Background()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// SweepOnce submits a timeout for every instance whose wake time has
// passed and re-dispatches due action deliveries. It returns the number of
// timeouts queued.
func (s *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	due, err := s.store.ListDueInstances(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, inst := range due {
		if !s.tryAcquire(inst.ID) {
			continue // already queued (dedup)
		}
		id := inst.ID
		ok := s.engine.SubmitTimeout(inst, func(res *schema.TransitionResult, err error) {
			defer s.release(id)
			if err != nil {
				return
			}
			s.logger.Debug("timeout handled",
				slog.String("instance_id", id),
				slog.String("outcome", string(res.Outcome)),
				slog.String("to", res.ToState))
		})
		if !ok {
			s.release(id)
			s.logger.Debug("timeout deferred", slog.String("instance_id", id))
			continue
		}
		queued++
	}

	retried, err := s.engine.RetryActions(ctx)
	if err != nil {
		return queued, err
	}
	if queued > 0 || retried > 0 {
		s.logger.Info("sweep", slog.Int("timeouts", queued), slog.Int("action_retries", retried))
	}
	return queued, nil
}

// tryAcquire returns true and marks the instance as queued if it is not already.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// RearmAll repairs wake times against the served definitions after a
// restart: a state without a timeout must not keep one, and a reminder
// timeout (no explicit target) must always be armed. A missing wake on a
// timeout with a target means it was disarmed and is left alone.
func (s *Scheduler) RearmAll(ctx context.Context) (int, error) {
	total := 0
	for _, def := range s.defs.List() {
		n, err := s.rearm(ctx, def, nil)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		s.logger.Info("wake times repaired", slog.Int("instances", total))
	}
	return total, nil
}

func (s *Scheduler) definitionReplaced(old, next *definition.Definition) {
	if next == nil || old == nil {
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	n, err := s.rearm(ctx, next, old)
	if err != nil {
		s.logger.Error("rearm after reload failed",
			slog.String("object_type", next.ObjectType),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("wake times recomputed",
		slog.String("object_type", next.ObjectType),
		slog.String("revision", next.Revision),
		slog.Int("instances", n))
}

// rearm recomputes wake times for the instances of def. With prev set only
// states whose timeout changed between prev and def are touched.
func (s *Scheduler) rearm(ctx context.Context, def, prev *definition.Definition) (int, error) {
	changed := 0
	for _, name := range def.Order {
		st := def.States[name]
		var before *definition.State
		if prev != nil {
			before = prev.States[name]
			if before != nil && sameTimeout(before.Timeout, st.Timeout) {
				continue
			}
		}
		for offset := 0; ; offset += rearmPageSize {
			insts, err := s.store.ListInstances(ctx, store.InstanceFilter{
				ObjectType: def.ObjectType,
				State:      name,
				Limit:      rearmPageSize,
				Offset:     offset,
			})
			if err != nil {
				return changed, err
			}
			for _, inst := range insts {
				wake, ok := plan(inst, st, prev != nil)
				if !ok {
					continue
				}
				err := s.store.SetWakeTime(ctx, inst.ID, inst.Version, wake)
				if schema.IsCode(err, schema.ErrCodeConflict) || schema.IsCode(err, schema.ErrCodeNotFound) {
					continue // moved on; its transition set its own wake
				}
				if err != nil {
					return changed, err
				}
				changed++
			}
			if len(insts) < rearmPageSize {
				break
			}
		}
	}
	return changed, nil
}

// plan returns the wake time inst should carry in st and whether it
// differs from the stored one.
func plan(inst *store.Instance, st *definition.State, reload bool) (*time.Time, bool) {
	if st.Timeout == nil {
		return nil, inst.NextWakeAt != nil
	}
	due := inst.StateEnteredAt.Add(st.Timeout.Duration)
	if reload {
		if inst.NextWakeAt != nil && inst.NextWakeAt.Equal(due) {
			return nil, false
		}
		return &due, true
	}
	if inst.NextWakeAt == nil && st.Timeout.To == "" {
		return &due, true
	}
	return nil, false
}

func sameTimeout(a, b *definition.Timeout) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Duration == b.Duration && a.Event == b.Event && a.To == b.To &&
		conditionSource(a) == conditionSource(b)
}

func conditionSource(t *definition.Timeout) string {
	if t.Condition == nil {
		return ""
	}
	return t.Condition.Source
}
