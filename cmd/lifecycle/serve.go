package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	listen      string
	db          string
	definitions []string
	noWatch     bool
	tracing     bool
}

func newServeCommand(root *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the timeout sweep and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolve := func() (Config, error) {
				cfg, err := resolveConfig(root)
				if err != nil {
					return cfg, err
				}
				opts.apply(cmd, &cfg)
				return cfg, nil
			}
			cfg, err := resolve()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, resolve)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.db, "db", "", `database path (":memory:" for an in-memory store)`)
	cmd.Flags().StringSliceVar(&opts.definitions, "definitions", nil, "definition files or directories")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "do not hot-reload definition directories")
	cmd.Flags().BoolVar(&opts.tracing, "tracing", false, "export spans to stdout")
	return cmd
}

// apply puts the flags the user set over cfg.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listen
	}
	if flags.Changed("db") {
		cfg.DBPath = o.db
	}
	if flags.Changed("definitions") {
		cfg.Definitions = o.definitions
	}
	if flags.Changed("no-watch") {
		cfg.Watch = !o.noWatch
	}
	if flags.Changed("tracing") {
		cfg.Tracing = o.tracing
	}
}

// runServe serves until interrupted. resolve re-reads the configuration
// on SIGHUP.
func runServe(ctx context.Context, cfg Config, resolve func() (Config, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := levelVar(cfg)
	logger := newLogger(os.Stderr, cfg.LogFormat, level)
	slog.SetDefault(logger)

	if cfg.Tracing {
		shutdown, err := setupTracing(os.Stdout)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.apiServer().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		case err := <-errCh:
			return err
		case <-hup:
			cfg = reloadConfig(resolve, cfg, level, logger)
		}
	}
}

// reloadConfig re-reads the settings on SIGHUP. Only the log level applies
// live; other changes are reported and wait for a restart.
func reloadConfig(resolve func() (Config, error), current Config, level *slog.LevelVar, logger *slog.Logger) Config {
	next, err := resolve()
	if err != nil {
		logger.Error("config reload failed", "error", err)
		return current
	}
	d := diffConfigs(current, next)
	if d.LogLevelChanged {
		l, _ := parseLevel(next.LogLevel)
		level.Set(l)
		logger.Info("log level changed", "level", next.LogLevel)
		current.LogLevel = next.LogLevel
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", "fields", d.RestartNeeded)
	}
	return current
}
