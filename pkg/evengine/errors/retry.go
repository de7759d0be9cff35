package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds how often and how patiently a store call is retried.
type RetryConfig struct {
	// MaxAttempts counts the first call. Zero or one means no retry.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the wait after every attempt. Values below 1 keep it flat.
	Multiplier float64

	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64

	// OnRetry, when set, is called before every wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry keeps waits short since store writes sit on the dispatch path.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
	Jitter:         0.1,
}

// PollerRetry is for the background poller, which can afford to wait.
var PollerRetry = RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     1.5,
	Jitter:         0.2,
}

// NoRetry runs every call exactly once.
var NoRetry = RetryConfig{MaxAttempts: 1}

// RetryOption adjusts a RetryConfig.
type RetryOption func(*RetryConfig)

// NewRetryConfig starts from DefaultRetry and applies opts.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMaxAttempts(n int) RetryOption {
	return func(c *RetryConfig) { c.MaxAttempts = n }
}

func WithInitialBackoff(d time.Duration) RetryOption {
	return func(c *RetryConfig) { c.InitialBackoff = d }
}

func WithMaxBackoff(d time.Duration) RetryOption {
	return func(c *RetryConfig) { c.MaxBackoff = d }
}

func WithMultiplier(f float64) RetryOption {
	return func(c *RetryConfig) { c.Multiplier = f }
}

func WithJitter(f float64) RetryOption {
	return func(c *RetryConfig) { c.Jitter = f }
}

// WithOnRetry installs a hook that observes every retry.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) RetryOption {
	return func(c *RetryConfig) { c.OnRetry = fn }
}

// Retry calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx ends. Running out of attempts yields an *ExhaustedError.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)
	b := newBackoff(cfg)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if Classify(err) == Permanent {
			return zero, err
		}
		if attempt == attempts {
			if attempts == 1 {
				return zero, err
			}
			return zero, &ExhaustedError{Attempts: attempts, Err: err}
		}

		wait := b.next()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

// backoff yields the growing wait between attempts.
type backoff struct {
	cur    time.Duration
	limit  time.Duration
	mult   float64
	jitter float64
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{
		cur:    cfg.InitialBackoff,
		limit:  cfg.MaxBackoff,
		mult:   max(cfg.Multiplier, 1),
		jitter: cfg.Jitter,
	}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	if b.limit > 0 && d > b.limit {
		d = b.limit
	}
	b.cur = time.Duration(float64(b.cur) * b.mult)

	if b.jitter > 0 && d > 0 {
		spread := float64(d) * b.jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
