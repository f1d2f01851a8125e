// Package retry re-runs chunk fetches that failed with a retryable error.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/objectfs/mediacache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts counts the first call. One attempt disables retries.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each wait over 80% to 120% of the computed delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called after a failed attempt, before waiting delay
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a single attempt. A failed chunk is requested again
// by the next prefetch pass, so the scheduler does not retry by default.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Backoff computes the wait before each retry.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.Initial)
	for i := 1; i < attempt && delay < float64(b.Max); i++ {
		delay *= b.Multiplier
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		delay *= 0.8 + 0.4*rand.Float64()
	}
	return time.Duration(delay)
}

// Retryable reports whether err is a MediaCacheError marked retryable.
// Caller cancellation and uncoded errors are final. A per-attempt timeout
// surfaces as a coded FETCH_TIMEOUT and stays retryable.
func Retryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	var mcErr *errors.MediaCacheError
	return stderrors.As(err, &mcErr) && mcErr.Retryable
}

// Retryer runs an operation until it succeeds, fails for good, or runs out
// of attempts.
type Retryer struct {
	attempts int
	backoff  Backoff
	onRetry  func(attempt int, err error, delay time.Duration)
}

// New creates a Retryer. Zero fields fall back to DefaultConfig values.
func New(config Config) *Retryer {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}

	return &Retryer{
		attempts: config.MaxAttempts,
		backoff: Backoff{
			Initial:    config.InitialDelay,
			Max:        config.MaxDelay,
			Multiplier: config.Multiplier,
			Jitter:     config.Jitter,
		},
		onRetry: config.OnRetry,
	}
}

// MaxAttempts returns the configured attempt limit
func (r *Retryer) MaxAttempts() int {
	return r.attempts
}

// Do calls fn until it returns nil or a final error. It returns how many
// times fn was called.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("operation canceled: %w", err)
	}

	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= r.attempts || !Retryable(err) {
			return attempt, err
		}

		delay := r.backoff.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}
		if !wait(ctx, delay) {
			return attempt, fmt.Errorf("operation canceled after %d attempts: %w", attempt, err)
		}
	}
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
