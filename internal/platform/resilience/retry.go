package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("max retry attempts reached")

// RetryConfig holds retry configuration
type RetryConfig struct {
	// MaxAttempts counts the first try, so 4 means 1 call + 3 retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.0 to 1.0

	// Delays, when set, replaces exponential backoff with an explicit
	// schedule; the last entry repeats.
	Delays []time.Duration

	// DelayOverride lets the failing error dictate the next delay
	// (e.g. a Retry-After header). Returning false falls back to the schedule.
	DelayOverride func(err error) (time.Duration, bool)

	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// Retry executes fn, retrying every error with backoff
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	return RetryIf(ctx, cfg, IsRetryable, fn)
}

// RetryWithResult executes fn with retry and returns its result
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	return RetryIfWithResult(ctx, cfg, IsRetryable, fn)
}

// RetryIf executes fn, retrying only errors accepted by isRetryable.
// Non-retryable errors are returned unchanged.
func RetryIf(ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func(context.Context) error) error {
	_, err := RetryIfWithResult(ctx, cfg, isRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryIfWithResult executes fn (returning a result), retrying only errors
// accepted by isRetryable
func RetryIfWithResult[T any](ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return result, err
		}

		if ctx.Err() != nil {
			return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}

		// Don't sleep after last attempt
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.delayFor(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return result, fmt.Errorf("retry cancelled during backoff: %w", err)
		}
	}

	return result, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// delayFor picks the wait before retry number attempt+1
func (cfg RetryConfig) delayFor(attempt int, err error) time.Duration {
	if cfg.DelayOverride != nil {
		if d, ok := cfg.DelayOverride(err); ok {
			return d
		}
	}
	if len(cfg.Delays) > 0 {
		return ScheduleDelay(cfg.Delays, attempt)
	}
	return calculateBackoff(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter)
}

// ScheduleDelay returns delays[attempt], repeating the last entry.
func ScheduleDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	if attempt < 0 {
		attempt = 0
	}
	return delays[attempt]
}

// calculateBackoff calculates delay with exponential backoff and jitter
func calculateBackoff(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	// Exponential backoff: baseDelay * 2^attempt
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Randomize delay by ±jitter percent
	if jitter > 0 {
		jitterAmount := delay * jitter
		delay = delay - jitterAmount + (rand.Float64() * jitterAmount * 2)
	}

	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable is implemented by errors that know whether a retry can help.
type retryable interface {
	Retryable() bool
}

// IsRetryable is the default classification: cancellation and an open
// circuit are terminal; errors that implement Retryable() decide for
// themselves; anything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return true
}
