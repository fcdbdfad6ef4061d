package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/api"
	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/engine"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/hooks"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/scheduler"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/internal/validation"
	"github.com/rendis/lifecycle/pkg/mcp"
)

const memoryDB = ":memory:"

// app is the wired engine with everything it needs to serve.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	defs      *definition.Registry
	loader    *definition.Loader
	metrics   *metrics.Metrics
	executor  engine.Executor
	scheduler *scheduler.Scheduler
	router    *hooks.Router
	watcher   *definition.Watcher
}

// newLoader builds a definition loader whose validator knows the built-in
// custom handlers.
func newLoader(defs *definition.Registry, logger *slog.Logger, httpCfg actions.HTTPConfig) (*definition.Loader, *actions.Registry, error) {
	handlers := actions.NewRegistry()
	if err := actions.RegisterBuiltins(handlers, logger, httpCfg, expressions.NewExprEngine()); err != nil {
		return nil, nil, err
	}
	compiler := expressions.NewCompiler()
	v, err := validation.NewDefinitionValidator(validation.Options{Handlers: handlers, Guards: compiler})
	if err != nil {
		return nil, nil, err
	}
	return definition.NewLoader(defs, v, compiler, logger), handlers, nil
}

func openStore(ctx context.Context, path string) (store.Store, error) {
	var s store.Store
	if path == "" || path == memoryDB {
		s = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		ls, err := store.NewLibSQLStore("file:" + path)
		if err != nil {
			return nil, err
		}
		s = ls
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// newApp opens the store, loads definitions and starts the engine lanes.
// Scheduler and watcher are built but not started.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), defs: definition.NewRegistry()}

	a.defs.OnReplace(func(_, _ *definition.Definition) {
		a.metrics.SetDefinitions(len(a.defs.List()))
	})

	var httpCfg actions.HTTPConfig
	loader, handlers, err := newLoader(a.defs, logger, httpCfg)
	if err != nil {
		return nil, err
	}
	a.loader = loader
	if _, err := loader.LoadPaths(cfg.Definitions); err != nil {
		// Valid files are served; refused ones are reported.
		logger.Error("some definitions were refused", "error", err)
	}
	logger.Info("definitions loaded", "count", len(a.defs.List()))

	deps := engine.Deps{
		Definitions: a.defs,
		Handlers:    handlers,
		Metrics:     a.metrics,
		Logger:      logger,
		Notifier:    actions.NewLogNotifier(logger),
		Tasks:       actions.NewLogTaskService(logger),
	}
	if cfg.NotifierURL != "" {
		n, err := actions.NewWebhookNotifier(cfg.NotifierURL, httpCfg)
		if err != nil {
			return nil, err
		}
		deps.Notifier = n
	}
	if cfg.TasksURL != "" {
		ts, err := actions.NewWebhookTaskService(cfg.TasksURL, httpCfg)
		if err != nil {
			return nil, err
		}
		deps.Tasks = ts
	}

	a.store, err = openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	deps.Store = a.store
	loader.CheckOccupancy(func(ctx context.Context, objectType, state string) (bool, error) {
		return store.HasInstances(ctx, a.store, objectType, state)
	})

	a.executor, err = engine.NewExecutor(deps, cfg.Engine)
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.scheduler = scheduler.New(a.store, a.defs, a.executor, a.metrics, nil, logger, cfg.Scheduler)
	a.router, err = hooks.NewRouter(a.executor, a.defs, a.metrics, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Watch {
		var dirs []string
		for _, p := range cfg.Definitions {
			if info, err := os.Stat(p); err == nil && info.IsDir() {
				dirs = append(dirs, p)
			}
		}
		if len(dirs) > 0 {
			a.watcher, err = definition.NewWatcher(loader, logger, dirs...)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.watcher.OnReload(func(_ string, err error) {
				if err != nil {
					a.metrics.ObserveReload("error")
					return
				}
				a.metrics.ObserveReload("ok")
			})
		}
	}
	return a, nil
}

// Start runs the watcher and the scheduler until ctx ends.
func (a *app) Start(ctx context.Context) error {
	if a.watcher != nil {
		go a.watcher.Run(ctx)
	}
	return a.scheduler.Start(ctx)
}

func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Executor:    a.executor,
		Store:       a.store,
		Definitions: a.defs,
		Router:      a.router,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
}

func (a *app) mcpServer() *mcp.LifecycleServer {
	return mcp.NewLifecycleServer(mcp.LifecycleServerDeps{
		Executor:    a.executor,
		Store:       a.store,
		Definitions: a.defs,
		Logger:      a.logger,
	})
}

// Close stops the scheduler, drains the engine and closes the store.
func (a *app) Close() {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.executor != nil {
		a.executor.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}
