// Package config loads driver settings from defaults, an optional TOML file
// and LEDGER_* environment variables, in that order of precedence (later
// wins).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/retry"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

const (
	EnvPoolCapacity       = "LEDGER_POOL_CAPACITY"
	EnvPoolAcquireTimeout = "LEDGER_POOL_ACQUIRE_TIMEOUT"
	EnvRetryMaxRetries    = "LEDGER_RETRY_MAX_RETRIES"
	EnvLogLevel           = "LEDGER_LOG_LEVEL"
	EnvLogNoColor         = "LEDGER_LOG_NOCOLOR"
	EnvLogTimestamp       = "LEDGER_LOG_TIMESTAMP"
	EnvLogJSON            = "LEDGER_LOG_JSON"
)

type Config struct {
	Pool  PoolConfig
	Retry RetryConfig
	Log   LogConfig
}

type PoolConfig struct {
	Capacity       int
	AcquireTimeout time.Duration
}

type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

type LogConfig struct {
	Level     string
	NoColor   bool
	Timestamp bool
	JSON      bool
}

func Default() Config {
	backoff := retry.DefaultBackoffConfig()
	return Config{
		Pool: PoolConfig{
			Capacity:       session.DefaultCapacity,
			AcquireTimeout: session.DefaultAcquireTimeout,
		},
		Retry: RetryConfig{
			MaxRetries:   retry.DefaultMaxRetries,
			InitialDelay: backoff.InitialDelay,
			MaxDelay:     backoff.MaxDelay,
			Multiplier:   backoff.Multiplier,
			Jitter:       backoff.Jitter,
		},
		Log: LogConfig{
			Level:     "info",
			Timestamp: true,
		},
	}
}

// Load builds a validated Config. path may be empty to skip the TOML file.
// Load only reads the environment; loading a .env file is left to the
// program.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Pool.Capacity <= 0:
		return errors.Errorf("config: pool capacity must be positive, got %d", c.Pool.Capacity)
	case c.Pool.AcquireTimeout < 0:
		return errors.Errorf("config: pool acquire timeout must not be negative, got %s", c.Pool.AcquireTimeout)
	case c.Retry.MaxRetries < 0:
		return errors.Errorf("config: max retries must not be negative, got %d", c.Retry.MaxRetries)
	case c.Retry.InitialDelay < 0:
		return errors.Errorf("config: initial retry delay must not be negative, got %s", c.Retry.InitialDelay)
	case c.Retry.MaxDelay < c.Retry.InitialDelay:
		return errors.Errorf("config: max retry delay %s is below the initial delay %s", c.Retry.MaxDelay, c.Retry.InitialDelay)
	case c.Retry.Multiplier < 1:
		return errors.Errorf("config: retry multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	return nil
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.NewPolicy(c.Retry.MaxRetries, retry.ExponentialBackoff(retry.BackoffConfig{
		InitialDelay: c.Retry.InitialDelay,
		Multiplier:   c.Retry.Multiplier,
		MaxDelay:     c.Retry.MaxDelay,
		Jitter:       c.Retry.Jitter,
	}))
}

func (c Config) PoolOptions() []session.PoolOption {
	return []session.PoolOption{
		session.WithCapacity(c.Pool.Capacity),
		session.WithAcquireTimeout(c.Pool.AcquireTimeout),
		session.WithRetryPolicy(c.RetryPolicy()),
	}
}

func applyEnv(cfg *Config) error {
	if raw, ok := lookup(EnvPoolCapacity); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrapf(err, "parse %s", EnvPoolCapacity)
		}
		cfg.Pool.Capacity = n
	}
	if raw, ok := lookup(EnvPoolAcquireTimeout); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrapf(err, "parse %s", EnvPoolAcquireTimeout)
		}
		cfg.Pool.AcquireTimeout = d
	}
	if raw, ok := lookup(EnvRetryMaxRetries); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrapf(err, "parse %s", EnvRetryMaxRetries)
		}
		cfg.Retry.MaxRetries = n
	}
	if raw, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = strings.ToLower(raw)
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.Log.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Log.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.Log.JSON = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
