package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueDequeueAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindResourceSync, TenantID: "t1", ResourceID: "r1"}))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, KindResourceSync, task.Kind)
	assert.Equal(t, "t1", task.Lane())
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.Ack(ctx, *task))
}

func TestMemoryQueue_DeduplicatesQueuedIDs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	id := PipelineTaskID("run-1", KindPipelineSync)

	require.NoError(t, q.Enqueue(ctx, Task{ID: id, Kind: KindPipelineSync, TenantID: "t1", RunID: "run-1"}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: id, Kind: KindPipelineSync, TenantID: "t1", RunID: "run-1"}))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "run-1:pipeline.sync", id)
}

func TestMemoryQueue_RetryDelaysAndCountsAttempts(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "a", Kind: KindPipelineStart, TenantID: "t1"}))
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, *task, time.Minute))
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.Equal(t, now.Add(time.Minute), pending[0].AvailableAt)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "retried task is not yet available")

	now = now.Add(time.Minute)
	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", task.ID)
}

func TestMemoryQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Task{ID: "late", Kind: KindResourceSync, TenantID: "t1"}))

	select {
	case task := <-got:
		assert.Equal(t, "late", task.ID)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryQueue_HoldsLaneUntilSettled(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a1", Kind: KindResourceSync, TenantID: "tenant-a"}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a2", Kind: KindResourceSync, TenantID: "tenant-a"}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "b1", Kind: KindResourceSync, TenantID: "tenant-b"}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", first.ID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b1", second.ID, "a2 waits behind a1 on the same lane")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Ack(ctx, *first))
	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", third.ID)
}

func TestMemoryQueue_AckWakesWaiterOnHeldLane(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a1", Kind: KindResourceSync, TenantID: "tenant-a"}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a2", Kind: KindResourceSync, TenantID: "tenant-a"}))
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Retry(ctx, *first, time.Hour))

	select {
	case task := <-got:
		assert.Equal(t, "a2", task.ID)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up when the lane was freed")
	}
}

func TestMemoryQueue_EnqueueWhileInFlightRunsAgain(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	id := ResourceSyncTaskID("r1")
	require.NoError(t, q.Enqueue(ctx, Task{ID: id, Kind: KindResourceSync, TenantID: "t1", ResourceID: "r1"}))

	running, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Task{ID: id, Kind: KindResourceSync, TenantID: "t1", ResourceID: "r1"}))
	assert.Equal(t, 1, q.Len(), "the request made during the run is kept")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the rerun waits for the running copy")

	require.NoError(t, q.Ack(ctx, *running))
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 0, again.Attempt)
}

func TestMemoryQueue_RetryYieldsToPendingRerun(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a", Kind: KindResourceSync, TenantID: "t1"}))
	running, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a", Kind: KindResourceSync, TenantID: "t1"}))

	require.NoError(t, q.Retry(ctx, *running, time.Hour))

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempt, "the fresh request replaces the retry")
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Task{}), ErrClosed)
}

func TestBuildFromDSN(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "inmem://local"} {
		q, err := BuildFromDSN(context.Background(), dsn)
		require.NoError(t, err, dsn)
		assert.IsType(t, &MemoryQueue{}, q)
	}

	_, err := BuildFromDSN(context.Background(), "")
	assert.Error(t, err)

	_, err = BuildFromDSN(context.Background(), "redis://localhost:6379")
	assert.ErrorContains(t, err, "unsupported queue scheme")
}

func TestIsInProcess(t *testing.T) {
	assert.True(t, IsInProcess("memory://"))
	assert.True(t, IsInProcess(" inmem://local"))
	assert.False(t, IsInProcess("postgres://localhost/repopulse"))
	assert.False(t, IsInProcess(""))
}
