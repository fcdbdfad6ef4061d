package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newMCPCommand(root *RootOptions) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = db
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol.
			logger := newLogger(os.Stderr, cfg.LogFormat, levelVar(cfg))
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}
			return a.mcpServer().Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&db, "db", "", `database path (":memory:" for an in-memory store)`)
	return cmd
}
