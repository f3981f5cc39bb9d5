// Package ratelimit holds the retry, backoff and rate-limit decisions shared by
// the API client, the sync engine and the pipeline workers.
//
// The decision functions are pure: they take the error, attempt number or
// snapshot they need and return a verdict. Waiting is done by callers through
// a Sleeper so tests never block on a real timer.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultJitter      = 0.2
	DefaultThreshold   = 50
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the fraction of the computed delay that is randomised, in [0, 1].
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Jitter:      DefaultJitter,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// ShouldRetry reports whether a call that failed with err on its attempt-th try
// (1-based) should be tried again.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if attempt >= p.maxAttempts() {
		return false
	}
	return syncerr.IsTransient(err)
}

// BackoffDelay returns how long to wait before attempt+1, given that attempt
// (1-based) just failed. The result never exceeds MaxDelay.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := float64(base) * math.Pow(mult, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		r := p.random()
		delay = delay*(1-jitter) + delay*jitter*r
	}
	return time.Duration(delay)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// RateLimitWait decides whether a call must wait for the budget to reset.
// It returns the wait and true when remaining is exhausted or below threshold
// and the reset time is still ahead of now.
func RateLimitWait(remaining, threshold int, resetAt, now time.Time) (time.Duration, bool) {
	if resetAt.IsZero() {
		return 0, false
	}
	if remaining > 0 && remaining >= threshold {
		return 0, false
	}
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 0, false
	}
	return wait, true
}
