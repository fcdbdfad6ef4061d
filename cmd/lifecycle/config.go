package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/lifecycle/internal/engine"
	"github.com/rendis/lifecycle/internal/scheduler"
)

// Config holds all lifecycle server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string           `json:"listen_addr"`
	DBPath      string           `json:"db_path"`
	LogLevel    string           `json:"log_level"`
	LogFormat   string           `json:"log_format"`
	Definitions []string         `json:"definitions"`
	Watch       bool             `json:"watch"`
	NotifierURL string           `json:"notifier_url"`
	TasksURL    string           `json:"tasks_url"`
	Tracing     bool             `json:"tracing"`
	Engine      engine.Config    `json:"engine"`
	Scheduler   scheduler.Config `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(lifecycleDir(), "lifecycle.db"),
		LogLevel:    "info",
		LogFormat:   "json",
		Definitions: []string{"definitions"},
		Watch:       true,
		Engine:      engine.DefaultConfig(),
		Scheduler:   scheduler.Config{Spec: scheduler.DefaultSpec},
	}
}

func lifecycleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lifecycle"
	}
	return filepath.Join(home, ".lifecycle")
}

func settingsPath() string {
	return filepath.Join(lifecycleDir(), "settings.json")
}

// loadConfig layers the settings file at path (the default location when
// empty) and LIFECYCLE_* env vars over the defaults. A missing default
// settings file is not an error; a missing explicit one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}

// applyEnv overrides cfg from LIFECYCLE_* variables. Unparsable numbers and
// durations are ignored.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("LIFECYCLE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("LIFECYCLE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("LIFECYCLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LIFECYCLE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("LIFECYCLE_DEFINITIONS"); v != "" {
		cfg.Definitions = strings.Split(v, string(os.PathListSeparator))
	}
	if v := getenv("LIFECYCLE_WATCH"); v != "" {
		cfg.Watch = v == "true" || v == "1"
	}
	if v := getenv("LIFECYCLE_NOTIFIER_URL"); v != "" {
		cfg.NotifierURL = v
	}
	if v := getenv("LIFECYCLE_TASKS_URL"); v != "" {
		cfg.TasksURL = v
	}
	if v := getenv("LIFECYCLE_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}
	if v := getenv("LIFECYCLE_LANES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Lanes = n
		}
	}
	if v := getenv("LIFECYCLE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.PoolSize = n
		}
	}
	if v := getenv("LIFECYCLE_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Retry.Attempts = n
		}
	}
	if v := getenv("LIFECYCLE_RETRY_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.Retry.Base = d
		}
	}
	if v := getenv("LIFECYCLE_SWEEP"); v != "" {
		cfg.Scheduler.Spec = v
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if strings.Join(old.Definitions, "\x00") != strings.Join(new.Definitions, "\x00") || old.Watch != new.Watch {
		d.RestartNeeded = append(d.RestartNeeded, "definitions")
	}
	if old.NotifierURL != new.NotifierURL || old.TasksURL != new.TasksURL {
		d.RestartNeeded = append(d.RestartNeeded, "collaborators")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	return d
}
