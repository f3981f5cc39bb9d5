package ratelimit

import (
	"context"
	"sync"
)

// Lanes serializes work per key. At most one holder per key at a time;
// different keys never block each other.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]chan struct{}
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]chan struct{})}
}

// Acquire blocks until the lane for key is free or ctx is done. The returned
// release must be called exactly once.
func (l *Lanes) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lane, ok := l.lanes[key]
	if !ok {
		lane = make(chan struct{}, 1)
		l.lanes[key] = lane
	}
	l.mu.Unlock()

	select {
	case lane <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-lane })
	}, nil
}
