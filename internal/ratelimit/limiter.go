// Package ratelimit provides a token-bucket limiter for outbound service calls.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter. Tokens accumulate at `rate` per
// second, capped at the burst size, and each Wait consumes exactly one.
// The burst size floors at one token so fractional rates still make
// progress. A rate of zero or below disables throttling entirely.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// New creates a limiter admitting `rate` operations per second. The bucket
// starts full, so an initial burst of up to the burst size is admitted
// without waiting.
func New(rate float64) *Limiter {
	return newWithClock(rate, time.Now)
}

func newWithClock(rate float64, now func() time.Time) *Limiter {
	burst := math.Max(rate, 1)
	return &Limiter{
		rate:   rate,
		burst:  burst,
		tokens: burst,
		last:   now(),
		now:    now,
	}
}

// Wait blocks until one token is available, then consumes it. The
// refill-and-decrement sequence is serialized under a mutex so concurrent
// callers cannot over-issue tokens. Returns early only when ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		elapsed := now.Sub(l.last).Seconds()
		if elapsed > 0 {
			l.tokens = math.Min(l.burst, l.tokens+elapsed*l.rate)
			l.last = now
		}

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		// Exact time until one full token is available.
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Rate returns the configured rate in operations per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}
