// Package queue delivers pipeline and sync tasks to workers at least once.
// The queue is only a delivery mechanism: progress lives in the database,
// and every handler re-checks it before acting.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPipelineStart            Kind = "pipeline.start"
	KindPipelineSync             Kind = "pipeline.sync"
	KindPipelineEnrich           Kind = "pipeline.enrich"
	KindPipelineAggregate        Kind = "pipeline.aggregate"
	KindPipelineScheduleBackfill Kind = "pipeline.schedule_backfill"
	KindPipelineBackfill         Kind = "pipeline.backfill"
	KindResourceSync             Kind = "resource.sync"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrLeaseLost = errors.New("task lease lost")
)

// Task is one unit of work. Tasks with the same ID are deduplicated while
// one of them is still queued. Enqueuing an ID that is in flight schedules
// one more run after the current delivery settles.
type Task struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	TenantID    string            `json:"tenant_id"`
	RunID       string            `json:"run_id,omitempty"`
	ResourceID  string            `json:"resource_id,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	Attempt     int               `json:"attempt"`
	AvailableAt time.Time         `json:"available_at"`
}

// Lane is the serialization key: Dequeue never hands out a task whose lane
// is held by an unsettled task, so one tenant's tasks run one at a time and
// a busy tenant does not occupy workers other tenants could use.
func (t Task) Lane() string {
	return t.TenantID
}

// Queue is implemented by the in-memory and Postgres backends.
type Queue interface {
	// Enqueue adds a task, assigning an ID when empty.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task on a free lane is available or ctx is
	// done. The lane stays held until Ack or Retry.
	Dequeue(ctx context.Context) (*Task, error)
	// Ack removes a finished task.
	Ack(ctx context.Context, task Task) error
	// Retry puts the task back with Attempt incremented, available after delay.
	Retry(ctx context.Context, task Task, delay time.Duration) error
	// Extend renews the lease of a running task.
	Extend(ctx context.Context, task Task) error
	Close() error
}

// PipelineTaskID is the deterministic ID of a run's task for one step, so a
// re-enqueued step collapses onto the pending one.
func PipelineTaskID(runID string, kind Kind) string {
	return runID + ":" + string(kind)
}

// ResourceSyncTaskID collapses repeated sync requests for one resource while
// a request is still queued.
func ResourceSyncTaskID(resourceID string) string {
	return "sync:" + resourceID
}

func ensureID(task *Task) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
}

// IsInProcess reports whether dsn selects the in-memory backend, whose tasks
// are only visible to the process that enqueued them.
func IsInProcess(dsn string) bool {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return true
	}
	return false
}

// BuildFromDSN selects a backend by DSN scheme. "memory://" keeps tasks in
// process; "postgres://" (or "postgresql://") uses the tasks table.
func BuildFromDSN(ctx context.Context, dsn string) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("queue dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue dsn: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryQueue(), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", parsed.Scheme)
	}
}
