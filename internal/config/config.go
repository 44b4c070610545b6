// Package config loads and validates the Marcus TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General    General            `toml:"general"`
	Lease      Lease              `toml:"lease"`
	Reconciler Reconciler         `toml:"reconciler"`
	Project    ProjectCache       `toml:"project"`
	Scheduler  Scheduler          `toml:"scheduler"`
	Events     Events             `toml:"events"`
	Kanban     Kanban             `toml:"kanban"`
	Workspace  Workspace          `toml:"workspace"`
	Projects   map[string]Project `toml:"projects"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
	DataDir  string `toml:"data_dir"`
}

type Lease struct {
	DefaultDurationHours  float64 `toml:"default_duration_hours"`
	TickerIntervalSeconds int     `toml:"ticker_interval_seconds"`
}

type Reconciler struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

type ProjectCache struct {
	CacheCapacity int `toml:"cache_capacity"`
}

type Scheduler struct {
	DeadlineSeconds int          `toml:"deadline_seconds"`
	ScoreWeights    ScoreWeights `toml:"score_weights"`
}

type ScoreWeights struct {
	Skill    float64 `toml:"skill"`
	Priority float64 `toml:"priority"`
	Impact   float64 `toml:"impact"`
}

type Events struct {
	Durable         bool `toml:"durable"`
	FsyncIntervalMs int  `toml:"fsync_interval_ms"`
}

type Kanban struct {
	Retry Retry `toml:"retry"`
}

type Retry struct {
	Attempts         int     `toml:"attempts"`
	BackoffInitialMs int     `toml:"backoff_initial_ms"`
	BackoffFactor    float64 `toml:"backoff_factor"`
}

type Workspace struct {
	Root string `toml:"root"`
}

// Project is a board registration the core may switch to.
type Project struct {
	Enabled  bool   `toml:"enabled"`
	Name     string `toml:"name"`
	Provider string `toml:"provider"` // planka, github, linear; resolved by the embedder
	Board    string `toml:"board"`
}

// Load reads and validates a Marcus TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with every option at its documented default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "~/.marcus"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = filepath.Join(cfg.General.DataDir, "state.db")
	}

	if cfg.Lease.DefaultDurationHours == 0 {
		cfg.Lease.DefaultDurationHours = 4
	}
	if cfg.Lease.TickerIntervalSeconds == 0 {
		cfg.Lease.TickerIntervalSeconds = 60
	}

	if cfg.Reconciler.IntervalSeconds == 0 {
		cfg.Reconciler.IntervalSeconds = 30
	}

	if cfg.Project.CacheCapacity == 0 {
		cfg.Project.CacheCapacity = 10
	}

	if cfg.Scheduler.DeadlineSeconds == 0 {
		cfg.Scheduler.DeadlineSeconds = 10
	}
	if cfg.Scheduler.ScoreWeights == (ScoreWeights{}) {
		cfg.Scheduler.ScoreWeights = ScoreWeights{Skill: 0.5, Priority: 0.3, Impact: 0.2}
	}

	if cfg.Events.FsyncIntervalMs == 0 {
		cfg.Events.FsyncIntervalMs = 100
	}

	if cfg.Kanban.Retry.Attempts == 0 {
		cfg.Kanban.Retry.Attempts = 3
	}
	if cfg.Kanban.Retry.BackoffInitialMs == 0 {
		cfg.Kanban.Retry.BackoffInitialMs = 200
	}
	if cfg.Kanban.Retry.BackoffFactor == 0 {
		cfg.Kanban.Retry.BackoffFactor = 2.0
	}
}

func validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.General.LogLevel)
	}

	if cfg.Lease.DefaultDurationHours < 0 {
		return fmt.Errorf("lease.default_duration_hours must be >= 0")
	}
	if cfg.Lease.TickerIntervalSeconds < 1 {
		return fmt.Errorf("lease.ticker_interval_seconds must be >= 1")
	}
	if cfg.Reconciler.IntervalSeconds < 1 {
		return fmt.Errorf("reconciler.interval_seconds must be >= 1")
	}
	if cfg.Project.CacheCapacity < 1 {
		return fmt.Errorf("project.cache_capacity must be >= 1")
	}

	w := cfg.Scheduler.ScoreWeights
	if w.Skill < 0 || w.Priority < 0 || w.Impact < 0 {
		return fmt.Errorf("scheduler.score_weights must be non-negative")
	}
	if w.Skill+w.Priority+w.Impact == 0 {
		return fmt.Errorf("scheduler.score_weights must not all be zero")
	}

	if cfg.Kanban.Retry.Attempts < 1 {
		return fmt.Errorf("kanban.retry.attempts must be >= 1")
	}
	if cfg.Kanban.Retry.BackoffFactor < 1 {
		return fmt.Errorf("kanban.retry.backoff_factor must be >= 1")
	}

	for id, project := range cfg.Projects {
		if id == "" {
			return fmt.Errorf("project id must not be empty")
		}
		if project.Enabled && project.Board == "" {
			return fmt.Errorf("project %q is enabled but has no board", id)
		}
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// LeaseTickerInterval returns the lease scan interval as a duration.
func (c *Config) LeaseTickerInterval() time.Duration {
	return time.Duration(c.Lease.TickerIntervalSeconds) * time.Second
}

// ReconcilerInterval returns the reconcile cadence as a duration.
func (c *Config) ReconcilerInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

// SchedulerDeadline returns the per-call scheduling deadline.
func (c *Config) SchedulerDeadline() time.Duration {
	return time.Duration(c.Scheduler.DeadlineSeconds) * time.Second
}

// FsyncInterval returns the durable event log fsync boundary.
func (c *Config) FsyncInterval() time.Duration {
	return time.Duration(c.Events.FsyncIntervalMs) * time.Millisecond
}

// LeaseDefaultDuration returns the fallback lease duration for adopted
// assignments and tasks without estimates.
func (c *Config) LeaseDefaultDuration() time.Duration {
	return time.Duration(c.Lease.DefaultDurationHours * float64(time.Hour))
}
