package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type fileConfig struct {
	Pool struct {
		Capacity       int    `toml:"capacity"`
		AcquireTimeout string `toml:"acquire_timeout"`
	} `toml:"pool"`
	Retry struct {
		MaxRetries   int     `toml:"max_retries"`
		InitialDelay string  `toml:"initial_delay"`
		MaxDelay     string  `toml:"max_delay"`
		Multiplier   float64 `toml:"multiplier"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"retry"`
	Log struct {
		Level     string `toml:"level"`
		NoColor   bool   `toml:"no_color"`
		Timestamp bool   `toml:"timestamp"`
		JSON      bool   `toml:"json"`
	} `toml:"log"`
}

// applyFile overrides only the keys present in the file.
func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("config %s: unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("pool", "capacity") {
		cfg.Pool.Capacity = raw.Pool.Capacity
	}
	if meta.IsDefined("pool", "acquire_timeout") {
		d, err := parseDuration("pool.acquire_timeout", raw.Pool.AcquireTimeout)
		if err != nil {
			return err
		}
		cfg.Pool.AcquireTimeout = d
	}

	if meta.IsDefined("retry", "max_retries") {
		cfg.Retry.MaxRetries = raw.Retry.MaxRetries
	}
	if meta.IsDefined("retry", "initial_delay") {
		d, err := parseDuration("retry.initial_delay", raw.Retry.InitialDelay)
		if err != nil {
			return err
		}
		cfg.Retry.InitialDelay = d
	}
	if meta.IsDefined("retry", "max_delay") {
		d, err := parseDuration("retry.max_delay", raw.Retry.MaxDelay)
		if err != nil {
			return err
		}
		cfg.Retry.MaxDelay = d
	}
	if meta.IsDefined("retry", "multiplier") {
		cfg.Retry.Multiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.Retry.Jitter = raw.Retry.Jitter
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(raw.Log.Level))
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}
