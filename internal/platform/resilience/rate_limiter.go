package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
)

// RateLimiter implements token bucket rate limiting for outbound calls
type RateLimiter struct {
	rate       float64 // Tokens per second
	burst      int     // Bucket size
	tokens     float64
	lastUpdate time.Time
	clock      clock.Clock
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing rate requests per second with
// the given burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, clock.Real())
}

// NewRateLimiterFromRPM creates a rate limiter from requests per minute
func NewRateLimiterFromRPM(requestsPerMinute int, burst int) *RateLimiter {
	return NewRateLimiter(float64(requestsPerMinute)/60.0, burst)
}

// NewRateLimiterWithClock is NewRateLimiterFromRPM on an explicit clock.
func NewRateLimiterWithClock(requestsPerMinute int, burst int, c clock.Clock) *RateLimiter {
	return newRateLimiter(float64(requestsPerMinute)/60.0, burst, c)
}

func newRateLimiter(rate float64, burst int, c clock.Clock) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: c.Now(),
		clock:      c,
	}
}

// Allow takes a token if one is available
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		if err := clock.Sleep(ctx, rl.clock, rl.waitTime()); err != nil {
			return err
		}
	}
}

// refill adds tokens based on elapsed time (caller must hold lock)
func (rl *RateLimiter) refill() {
	now := rl.clock.Now()
	elapsed := now.Sub(rl.lastUpdate)
	if elapsed <= 0 {
		return
	}

	rl.tokens += elapsed.Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now
}

// waitTime estimates how long until the next token
func (rl *RateLimiter) waitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	needed := 1.0 - rl.tokens
	if needed < 0 {
		needed = 0
	}

	wait := time.Duration(needed / rl.rate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// Stats returns current rate limiter statistics
func (rl *RateLimiter) Stats() (rate float64, burst int, availableTokens float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return rl.rate, rl.burst, rl.tokens
}
