package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset"
)

// Snapshot is the most recently observed call budget for one credential.
type Snapshot struct {
	Remaining  int
	Limit      int
	ResetAt    time.Time
	ObservedAt time.Time
}

// Wait applies RateLimitWait to the snapshot.
func (s Snapshot) Wait(threshold int, now time.Time) (time.Duration, bool) {
	return RateLimitWait(s.Remaining, threshold, s.ResetAt, now)
}

// FromHeaders reads the standard rate-limit headers. ok is false when the
// response carried none of them.
func FromHeaders(h http.Header, now time.Time) (Snapshot, bool) {
	remainingRaw := strings.TrimSpace(h.Get(HeaderRemaining))
	resetRaw := strings.TrimSpace(h.Get(HeaderReset))
	if remainingRaw == "" && resetRaw == "" {
		return Snapshot{}, false
	}

	snap := Snapshot{ObservedAt: now, Remaining: -1}
	if v, err := strconv.Atoi(remainingRaw); err == nil {
		snap.Remaining = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(h.Get(HeaderLimit))); err == nil {
		snap.Limit = v
	}
	if v, err := strconv.ParseInt(resetRaw, 10, 64); err == nil && v > 0 {
		snap.ResetAt = time.Unix(v, 0).UTC()
	}
	if snap.Remaining < 0 {
		return Snapshot{}, false
	}
	return snap, true
}

// Tracker caches the latest Snapshot per credential key. It is advisory: the
// next response always overwrites it.
type Tracker struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snaps: make(map[string]Snapshot)}
}

// Get returns the cached snapshot for key.
func (t *Tracker) Get(key string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.snaps[key]
	return s, ok
}

// Update stores snap for key.
func (t *Tracker) Update(key string, snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snaps[key] = snap
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock with a context-aware sleep.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
