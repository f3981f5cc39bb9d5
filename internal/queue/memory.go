package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue keeps tasks in process. Unacked tasks are lost on restart,
// which is acceptable for tests and single-process development.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Task
	inflight map[string]Task
	busy     map[string]string // lane -> id of the task holding it
	notify   chan struct{}
	closed   bool
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Task),
		busy:     make(map[string]string),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue collapses onto a queued task with the same ID. A task whose ID is
// in flight is queued again, so a request made during a run is not lost.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	ensureID(&task)
	if task.AvailableAt.IsZero() {
		task.AvailableAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.queued(task.ID) {
		return nil
	}
	q.pending = append(q.pending, task)
	q.signal()
	return nil
}

// Dequeue hands out the first available task whose lane is free and holds
// the lane until the task is acked or retried.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, wait, err := q.take()
		if err != nil || task != nil {
			return task, err
		}

		var timer *time.Timer
		var fired <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fired = timer.C
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-q.notify:
		case <-fired:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// take returns a runnable task, or how long until the next delayed one on a
// free lane becomes available (-1 when there is none).
func (q *MemoryQueue) take() (*Task, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, -1, ErrClosed
	}

	now := q.now()
	var wait time.Duration = -1
	for i, task := range q.pending {
		if _, held := q.busy[task.Lane()]; held {
			continue
		}
		if !task.AvailableAt.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.inflight[task.ID] = task
			q.busy[task.Lane()] = task.ID
			if len(q.pending) > 0 {
				// Another waiter may be able to take the rest.
				q.signal()
			}
			return &task, -1, nil
		}
		if d := task.AvailableAt.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, wait, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(task)
	return nil
}

// Retry requeues the task. If the same ID was enqueued again while it ran,
// the fresh copy replaces the retry.
func (q *MemoryQueue) Retry(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.release(task)
	if q.queued(task.ID) {
		return nil
	}
	task.Attempt++
	task.AvailableAt = q.now().Add(delay)
	q.pending = append(q.pending, task)
	q.signal()
	return nil
}

// Extend is a no-op: in-memory leases never expire.
func (q *MemoryQueue) Extend(ctx context.Context, task Task) error {
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}

// Len returns the number of queued (not in-flight) tasks.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queued tasks in insertion order.
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.pending...)
}

// release frees the task's lane and wakes a waiter. Caller holds mu.
func (q *MemoryQueue) release(task Task) {
	delete(q.inflight, task.ID)
	if q.busy[task.Lane()] == task.ID {
		delete(q.busy, task.Lane())
	}
	if !q.closed {
		q.signal()
	}
}

// queued reports whether a task with id is waiting. Caller holds mu.
func (q *MemoryQueue) queued(id string) bool {
	for _, p := range q.pending {
		if p.ID == id {
			return true
		}
	}
	return false
}

// signal wakes one waiting Dequeue. Caller holds mu.
func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
