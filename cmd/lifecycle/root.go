package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Declarative lifecycle state machines for business entities",
		Long: `lifecycle drives business entities through state machines declared in
YAML or JSON: guarded transitions, entry actions, timeouts and CRUD hooks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "settings file (default ~/.lifecycle/settings.json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: json or text")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newDiagramCommand(opts))
	cmd.AddCommand(newMCPCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// resolveConfig loads the layered configuration and applies the global
// flags on top.
func resolveConfig(opts *RootOptions) (Config, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func levelVar(cfg Config) *slog.LevelVar {
	lv := new(slog.LevelVar)
	l, _ := parseLevel(cfg.LogLevel)
	lv.Set(l)
	return lv
}
