package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPollInterval = time.Second
	defaultLease        = 10 * time.Minute
	claimAttempts       = 3
)

var errLaneTaken = errors.New("lane claimed by another consumer")

// PostgresQueue stores tasks in the tasks table created by the migrations.
// A dequeued task is leased rather than deleted; if the worker dies the lease
// expires and the task is delivered again. A task also claims its lane in
// task_lanes, so each tenant has at most one leased task across processes.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	lease        time.Duration
}

// NewPostgresQueue opens a pool and fails fast if the database is unreachable.
func NewPostgresQueue(ctx context.Context, dsn string) (*PostgresQueue, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	return &PostgresQueue{
		pool:         pool,
		pollInterval: defaultPollInterval,
		lease:        defaultLease,
	}, nil
}

type taskPayload struct {
	TenantID   string            `json:"tenant_id"`
	RunID      string            `json:"run_id,omitempty"`
	ResourceID string            `json:"resource_id,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
}

func (q *PostgresQueue) Enqueue(ctx context.Context, task Task) error {
	ensureID(&task)
	payload, err := json.Marshal(taskPayload{
		TenantID:   task.TenantID,
		RunID:      task.RunID,
		ResourceID: task.ResourceID,
		Args:       task.Args,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	availableAt := task.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	// A task with the same id that is still queued wins. One that is leased
	// is flagged so it runs again once the current delivery settles.
	_, err = q.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, kind, lane, payload, attempt, available_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE SET rerun = TRUE
		WHERE tasks.leased_until IS NOT NULL AND tasks.leased_until >= NOW()
	`, task.ID, string(task.Kind), task.Lane(), payload, task.Attempt, availableAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryDequeue leases the oldest available task whose lane is free. Losing
// the lane to a concurrent consumer is retried a few times before giving
// up until the next poll.
func (q *PostgresQueue) tryDequeue(ctx context.Context) (*Task, error) {
	for i := 0; i < claimAttempts; i++ {
		task, err := q.claim(ctx)
		if errors.Is(err, errLaneTaken) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		return task, nil
	}
	return nil, nil
}

func (q *PostgresQueue) claim(ctx context.Context) (*Task, error) {
	var (
		task    *Task
		kind    string
		payload []byte
	)
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		var (
			rowID int64
			lane  string
		)
		err := tx.QueryRow(ctx, `
			SELECT t.id, t.lane FROM tasks t
			WHERE t.available_at <= NOW()
			  AND (t.leased_until IS NULL OR t.leased_until < NOW())
			  AND NOT EXISTS (
				SELECT 1 FROM task_lanes l
				WHERE l.lane = t.lane AND l.leased_until >= NOW()
			  )
			ORDER BY t.available_at ASC, t.id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`).Scan(&rowID, &lane)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select task: %w", err)
		}

		var next Task
		err = tx.QueryRow(ctx, `
			UPDATE tasks
			SET leased_until = NOW() + make_interval(secs => $2)
			WHERE id = $1
			RETURNING task_id, kind, payload, attempt, available_at
		`, rowID, q.lease.Seconds()).Scan(&next.ID, &kind, &payload, &next.Attempt, &next.AvailableAt)
		if err != nil {
			return fmt.Errorf("failed to lease task: %w", err)
		}

		// A concurrent consumer that picked another task of this lane
		// blocks here until we commit, then sees a live claim and backs off.
		var claimed string
		err = tx.QueryRow(ctx, `
			INSERT INTO task_lanes (lane, task_id, leased_until)
			VALUES ($1, $2, NOW() + make_interval(secs => $3))
			ON CONFLICT (lane) DO UPDATE
			SET task_id = excluded.task_id, leased_until = excluded.leased_until
			WHERE task_lanes.leased_until < NOW()
			RETURNING lane
		`, lane, next.ID, q.lease.Seconds()).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			return errLaneTaken
		}
		if err != nil {
			return fmt.Errorf("failed to claim lane: %w", err)
		}
		task = &next
		return nil
	})
	if err != nil {
		if errors.Is(err, errLaneTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	var p taskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", task.ID, err)
	}
	task.Kind = Kind(kind)
	task.TenantID = p.TenantID
	task.RunID = p.RunID
	task.ResourceID = p.ResourceID
	task.Args = p.Args
	return task, nil
}

// Ack removes the task and frees its lane. A task flagged for a rerun is
// made available again instead.
func (q *PostgresQueue) Ack(ctx context.Context, task Task) error {
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1 AND NOT rerun`, task.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tasks
			SET rerun = FALSE, attempt = 0, available_at = NOW(), leased_until = NULL
			WHERE task_id = $1 AND rerun
		`, task.ID); err != nil {
			return err
		}
		return releaseLane(ctx, tx, task)
	})
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// Retry reschedules the task after delay and frees its lane. A pending rerun
// takes precedence: the task becomes available immediately as a first attempt.
func (q *PostgresQueue) Retry(ctx context.Context, task Task, delay time.Duration) error {
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE tasks
			SET attempt = CASE WHEN rerun THEN 0 ELSE $2 END,
			    available_at = CASE WHEN rerun THEN NOW() ELSE NOW() + make_interval(secs => $3) END,
			    rerun = FALSE,
			    leased_until = NULL
			WHERE task_id = $1
		`, task.ID, task.Attempt+1, delay.Seconds()); err != nil {
			return err
		}
		return releaseLane(ctx, tx, task)
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

// Extend renews the lease on a running task and its lane. It returns
// ErrLeaseLost when another consumer has taken the lane over.
func (q *PostgresQueue) Extend(ctx context.Context, task Task) error {
	var renewed int64
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET leased_until = NOW() + make_interval(secs => $2)
			WHERE task_id = $1 AND leased_until IS NOT NULL
		`, task.ID, q.lease.Seconds()); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE task_lanes SET leased_until = NOW() + make_interval(secs => $3)
			WHERE lane = $1 AND task_id = $2
		`, task.Lane(), task.ID, q.lease.Seconds())
		if err != nil {
			return err
		}
		renewed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to extend task lease: %w", err)
	}
	if renewed == 0 {
		return ErrLeaseLost
	}
	return nil
}

func releaseLane(ctx context.Context, tx pgx.Tx, task Task) error {
	_, err := tx.Exec(ctx, `DELETE FROM task_lanes WHERE lane = $1 AND task_id = $2`, task.Lane(), task.ID)
	return err
}

func (q *PostgresQueue) Close() error {
	q.pool.Close()
	return nil
}
