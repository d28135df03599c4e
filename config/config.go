// Package config holds deployment settings for the engine, its stores and
// the maintenance jobs. Files are YAML or JSON.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-orchestrator/core"
	"github.com/goliatone/go-orchestrator/cron"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Session     SessionConfig     `json:"session" yaml:"session"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// EngineConfig tunes the orchestration core.
type EngineConfig struct {
	MaxConflictRetries  int           `json:"max_conflict_retries" yaml:"max_conflict_retries"`
	RetryBackoff        BackoffConfig `json:"retry_backoff" yaml:"retry_backoff"`
	ReplayThreshold     int           `json:"replay_threshold" yaml:"replay_threshold"`
	MaxChainDepth       int           `json:"max_chain_depth" yaml:"max_chain_depth"`
	MinIntentConfidence float64       `json:"min_intent_confidence,omitempty" yaml:"min_intent_confidence,omitempty"`
}

// BackoffConfig is an exponential backoff. A zero Base retries immediately.
type BackoffConfig struct {
	Base   time.Duration `json:"base,omitempty" yaml:"base,omitempty"`
	Factor float64       `json:"factor,omitempty" yaml:"factor,omitempty"`
	Max    time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the database/sql data source for sqlite and postgres.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Addr is the Redis address for the redis driver.
	Addr             string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	MessageRetention int    `json:"message_retention" yaml:"message_retention"`
}

type SessionConfig struct {
	IdempotencyTTL time.Duration `json:"idempotency_ttl" yaml:"idempotency_ttl"`
	// SessionTTL expires idle Redis sessions; zero keeps them.
	SessionTTL time.Duration `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"`
}

type MaintenanceConfig struct {
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	BatchLimit     int           `json:"batch_limit" yaml:"batch_limit"`
	ExpireSchedule string        `json:"expire_schedule,omitempty" yaml:"expire_schedule,omitempty"`
	PruneSchedule  string        `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Default returns the settings used when a file omits a value.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxConflictRetries: 3,
			RetryBackoff: BackoffConfig{
				Base:   5 * time.Millisecond,
				Factor: 2,
				Max:    200 * time.Millisecond,
			},
			ReplayThreshold: 200,
			MaxChainDepth:   8,
		},
		Store: StoreConfig{
			Driver:           DriverMemory,
			Prefix:           "flow",
			MessageRetention: 500,
		},
		Session: SessionConfig{
			IdempotencyTTL: 10 * time.Minute,
		},
		Maintenance: MaintenanceConfig{
			IdleTimeout:   24 * time.Hour,
			BatchLimit:    100,
			PruneSchedule: "@every 5m",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Parse decodes YAML or JSON over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml handles JSON too
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Load reads and parses a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("engine.max_conflict_retries cannot be negative"))
	}
	if c.Engine.ReplayThreshold < 0 {
		errs = append(errs, errors.New("engine.replay_threshold cannot be negative"))
	}
	if c.Engine.MaxChainDepth < 0 {
		errs = append(errs, errors.New("engine.max_chain_depth cannot be negative"))
	}
	if b := c.Engine.RetryBackoff; b.Base < 0 || b.Max < 0 || b.Factor < 0 {
		errs = append(errs, errors.New("engine.retry_backoff values cannot be negative"))
	}
	if conf := c.Engine.MinIntentConfidence; conf < 0 || conf > 1 {
		errs = append(errs, errors.New("engine.min_intent_confidence must be within [0,1]"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn required for driver %s", c.Store.Driver))
		}
	case DriverRedis:
		if strings.TrimSpace(c.Store.Addr) == "" {
			errs = append(errs, errors.New("store.addr required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q not supported", c.Store.Driver))
	}
	if c.Store.MessageRetention < 0 {
		errs = append(errs, errors.New("store.message_retention cannot be negative"))
	}

	if c.Session.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("session.idempotency_ttl must be positive"))
	}
	if c.Session.SessionTTL < 0 {
		errs = append(errs, errors.New("session.session_ttl cannot be negative"))
	}

	if c.Maintenance.ExpireSchedule != "" && c.Maintenance.IdleTimeout <= 0 {
		errs = append(errs, errors.New("maintenance.idle_timeout must be positive when expire_schedule is set"))
	}
	if c.Maintenance.BatchLimit < 0 {
		errs = append(errs, errors.New("maintenance.batch_limit cannot be negative"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q not supported", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// DriverName is the normalized store driver.
func (c StoreConfig) DriverName() string {
	return strings.ToLower(strings.TrimSpace(c.Driver))
}

// EngineOptions translates the engine section into core options.
func (c Config) EngineOptions() []core.Option {
	opts := []core.Option{
		core.WithMaxConflictRetries(c.Engine.MaxConflictRetries),
		core.WithReplayThreshold(c.Engine.ReplayThreshold),
		core.WithMaxChainDepth(c.Engine.MaxChainDepth),
	}
	if b := c.Engine.RetryBackoff; b.Base > 0 {
		factor := b.Factor
		if factor < 1 {
			factor = 1
		}
		opts = append(opts, core.WithRetryStrategy(runner.ExponentialBackoffStrategy{
			Base:   b.Base,
			Factor: factor,
			Max:    b.Max,
		}))
	}
	return opts
}

// StoreOptions translates the store section into store options.
func (c Config) StoreOptions() []store.Option {
	return []store.Option{store.WithMessageRetention(c.Store.MessageRetention)}
}

// MaintenanceJobs describes the cron jobs to register.
func (c Config) MaintenanceJobs() cron.Maintenance {
	return cron.Maintenance{
		IdleFor:        c.Maintenance.IdleTimeout,
		Limit:          c.Maintenance.BatchLimit,
		ExpireSchedule: strings.TrimSpace(c.Maintenance.ExpireSchedule),
		PruneSchedule:  strings.TrimSpace(c.Maintenance.PruneSchedule),
	}
}
