package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const DefaultMaxRetries = 4

// BackoffFunc returns the delay before retry attempt N (1-based).
type BackoffFunc func(attempt int) time.Duration

// Notify is called before every retry with the 1-based retry attempt number.
// A non-nil error stops the retry loop and is returned to the caller.
type Notify func(ctx context.Context, attempt int) error

// Policy is an immutable retry policy.
type Policy struct {
	maxRetries int
	backoff    BackoffFunc
}

func NewPolicy(maxRetries int, backoff BackoffFunc) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{maxRetries: maxRetries, backoff: backoff}
}

func DefaultPolicy() Policy {
	return NewPolicy(DefaultMaxRetries, ExponentialBackoff(DefaultBackoffConfig()))
}

func (p Policy) MaxRetries() int {
	return p.maxRetries
}

func (p Policy) Delay(attempt int) time.Duration {
	if p.backoff == nil {
		return 0
	}
	if d := p.backoff(attempt); d > 0 {
		return d
	}
	return 0
}

// BackoffConfig defines an exponential backoff curve.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// ExponentialBackoff grows InitialDelay by Multiplier per attempt, capped at
// MaxDelay. With Jitter the delay is scaled by a random factor in [0.5, 1.5)
// and capped at MaxDelay again.
func ExponentialBackoff(cfg BackoffConfig) BackoffFunc {
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	return func(attempt int) time.Duration {
		if cfg.InitialDelay <= 0 {
			return 0
		}
		if attempt < 1 {
			attempt = 1
		}
		delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
		if cfg.Jitter {
			delay *= 0.5 + rand.Float64()
			if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
				delay = float64(cfg.MaxDelay)
			}
		}
		return time.Duration(delay)
	}
}

func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}
