// Package config loads runtime configuration from UREP_* environment
// variables. Command-line flags override the values parsed here.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/unirep/internal/engine"
)

// Prefix is prepended to every variable name.
const Prefix = "UREP_"

// Config is the process configuration.
type Config struct {
	DBPath     string `env:"DB_PATH" envDefault:"urep.db"`
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	DomainsDir string `env:"DOMAINS_DIR"`

	Workers        int           `env:"WORKERS" envDefault:"4"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"100"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	LeaseTTL       time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	MaxCyclePasses int           `env:"MAX_CYCLE_PASSES" envDefault:"3"`
	RetryBackoff   time.Duration `env:"RETRY_BACKOFF" envDefault:"500ms"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1m"`

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Workers))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY %s is below RETRY_BACKOFF %s", c.RetryMaxDelay, c.RetryBackoff))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EngineOptions maps the engine knobs to engine options.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithWorkers(c.Workers),
		engine.WithBatchSize(c.BatchSize),
		engine.WithPollInterval(c.PollInterval),
		engine.WithLeaseTTL(c.LeaseTTL),
		engine.WithMaxAttempts(c.MaxAttempts),
		engine.WithMaxCyclePasses(c.MaxCyclePasses),
		engine.WithRetryBackoff(c.RetryBackoff, c.RetryMaxDelay),
	}
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
}
