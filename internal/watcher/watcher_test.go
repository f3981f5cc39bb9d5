package watcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/repopulse/internal/config"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncerr"
	"github.com/vipul43/repopulse/internal/testutil"
)

type fakeHandler struct {
	mu       sync.Mutex
	results  map[string][]error
	attempts map[string]int
	failed   map[string]error
	active   map[string]int
	overlap  bool
	finished []string
	failErr  error
	done     chan string
	hold     time.Duration
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		results:  map[string][]error{},
		attempts: map[string]int{},
		failed:   map[string]error{},
		active:   map[string]int{},
		done:     make(chan string, 100),
	}
}

func (h *fakeHandler) Handle(ctx context.Context, task queue.Task) error {
	h.mu.Lock()
	h.active[task.Lane()]++
	if h.active[task.Lane()] > 1 {
		h.overlap = true
	}
	n := h.attempts[task.ID]
	h.attempts[task.ID] = n + 1
	var err error
	if n < len(h.results[task.ID]) {
		err = h.results[task.ID][n]
	}
	h.mu.Unlock()

	time.Sleep(h.hold)

	h.mu.Lock()
	h.active[task.Lane()]--
	if err == nil {
		h.finished = append(h.finished, task.ID)
	}
	h.mu.Unlock()

	if err == nil {
		h.done <- task.ID
	}
	return err
}

func (h *fakeHandler) Fail(ctx context.Context, task queue.Task, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failErr != nil {
		err := h.failErr
		h.failErr = nil
		return err
	}
	h.failed[task.ID] = cause
	h.done <- task.ID
	return nil
}

func (h *fakeHandler) Finished() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.finished...)
}

func (h *fakeHandler) Attempts(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[id]
}

type fakeScheduler struct {
	mu         sync.Mutex
	reconciled []time.Time
	scheduled  []time.Time
}

func (s *fakeScheduler) ScheduleSyncs(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, before)
	return 0, nil
}

func (s *fakeScheduler) Reconcile(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciled = append(s.reconciled, before)
	return 0, nil
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval: 3600,
		SyncInterval: 900,
		StaleAfter:   1800,
		MaxRetries:   3,
		WorkerCount:  2,
	}
}

func newWatcher(t *testing.T, handler Handler) (*Watcher, *queue.MemoryQueue, *fakeScheduler) {
	t.Helper()
	db := testutil.NewDB(t)
	tasks := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = tasks.Close() })
	scheduler := &fakeScheduler{}

	w := New(testConfig(), tasks, handler, scheduler,
		repository.NewTrackedResourceRepository(db),
		repository.NewWebhookDeliveryRepository(db))
	w.SetPolicy(ratelimit.Policy{BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 3})
	return w, tasks, scheduler
}

// run starts the watcher and stops it once n tasks have settled.
func run(t *testing.T, w *Watcher, h *fakeHandler, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-timeout:
			cancel()
			t.Fatalf("only %d of %d tasks settled", i, n)
		}
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestWatcher_RetriesTransientFailure(t *testing.T) {
	h := newFakeHandler()
	h.results["a"] = []error{syncerr.New(syncerr.CodeTimeout, "get", nil)}
	w, tasks, _ := newWatcher(t, h)
	require.NoError(t, tasks.Enqueue(context.Background(), queue.Task{ID: "a", Kind: queue.KindResourceSync, TenantID: "t1"}))

	run(t, w, h, 1)

	assert.Equal(t, 2, h.Attempts("a"))
	assert.Empty(t, h.failed)
	assert.Equal(t, 0, tasks.Len())
}

func TestWatcher_PermanentFailureIsNotRetried(t *testing.T) {
	h := newFakeHandler()
	authErr := syncerr.New(syncerr.CodeAuth, "get", nil)
	h.results["a"] = []error{authErr}
	w, tasks, _ := newWatcher(t, h)
	require.NoError(t, tasks.Enqueue(context.Background(), queue.Task{ID: "a", Kind: queue.KindPipelineSync, TenantID: "t1", RunID: "r"}))

	run(t, w, h, 1)

	assert.Equal(t, 1, h.Attempts("a"))
	assert.True(t, errors.Is(h.failed["a"], authErr))
}

func TestWatcher_FailsAfterRetryBudget(t *testing.T) {
	h := newFakeHandler()
	timeout := syncerr.New(syncerr.CodeTimeout, "get", nil)
	h.results["a"] = []error{timeout, timeout, timeout, timeout}
	w, tasks, _ := newWatcher(t, h)
	require.NoError(t, tasks.Enqueue(context.Background(), queue.Task{ID: "a", Kind: queue.KindPipelineEnrich, TenantID: "t1", RunID: "r"}))

	run(t, w, h, 1)

	assert.Equal(t, 3, h.Attempts("a"))
	require.Contains(t, h.failed, "a")
	assert.Equal(t, syncerr.CodeTimeout, syncerr.CodeOf(h.failed["a"]))
}

func TestWatcher_SerializesTasksPerTenant(t *testing.T) {
	h := newFakeHandler()
	h.hold = 20 * time.Millisecond
	w, tasks, _ := newWatcher(t, h)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, tasks.Enqueue(ctx, queue.Task{ID: id, Kind: queue.KindResourceSync, TenantID: "tenant-a"}))
	}
	require.NoError(t, tasks.Enqueue(ctx, queue.Task{ID: "b1", Kind: queue.KindResourceSync, TenantID: "tenant-b"}))

	run(t, w, h, 4)

	assert.False(t, h.overlap, "two tasks of one tenant ran at the same time")
}

func TestWatcher_BusyTenantDoesNotStarveOthers(t *testing.T) {
	h := newFakeHandler()
	h.hold = 50 * time.Millisecond
	w, tasks, _ := newWatcher(t, h)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, tasks.Enqueue(ctx, queue.Task{ID: id, Kind: queue.KindResourceSync, TenantID: "tenant-a"}))
	}
	require.NoError(t, tasks.Enqueue(ctx, queue.Task{ID: "b1", Kind: queue.KindResourceSync, TenantID: "tenant-b"}))

	run(t, w, h, 4)

	finished := h.Finished()
	require.Len(t, finished, 4)
	assert.Less(t, slices.Index(finished, "b1"), slices.Index(finished, "a2"),
		"tenant-b ran alongside a1 instead of queueing behind tenant-a, got %v", finished)
	assert.False(t, h.overlap)
}

func TestWatcher_FailErrorRequeuesTask(t *testing.T) {
	h := newFakeHandler()
	authErr := syncerr.New(syncerr.CodeAuth, "get", nil)
	h.results["a"] = []error{authErr, authErr}
	h.failErr = errors.New("database unavailable")
	w, tasks, _ := newWatcher(t, h)
	require.NoError(t, tasks.Enqueue(context.Background(), queue.Task{ID: "a", Kind: queue.KindPipelineSync, TenantID: "t1", RunID: "r"}))

	run(t, w, h, 1)

	assert.Equal(t, 2, h.Attempts("a"), "the task came back after Fail errored")
	assert.True(t, errors.Is(h.failed["a"], authErr))
}

type extendCountingQueue struct {
	*queue.MemoryQueue
	extends atomic.Int32
}

func (q *extendCountingQueue) Extend(ctx context.Context, task queue.Task) error {
	q.extends.Add(1)
	return q.MemoryQueue.Extend(ctx, task)
}

func TestWatcher_RenewsLeaseWhileHandling(t *testing.T) {
	db := testutil.NewDB(t)
	h := newFakeHandler()
	h.hold = 100 * time.Millisecond
	tasks := &extendCountingQueue{MemoryQueue: queue.NewMemoryQueue()}
	t.Cleanup(func() { _ = tasks.Close() })
	w := New(testConfig(), tasks, h, &fakeScheduler{},
		repository.NewTrackedResourceRepository(db),
		repository.NewWebhookDeliveryRepository(db))
	w.SetHeartbeat(10 * time.Millisecond)
	require.NoError(t, tasks.Enqueue(context.Background(), queue.Task{ID: "a", Kind: queue.KindResourceSync, TenantID: "t1"}))

	run(t, w, h, 1)

	assert.GreaterOrEqual(t, tasks.extends.Load(), int32(3))
}

func TestWatcher_MaintainSweepsAndSchedules(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, db, integration, "1001", "acme", "api")

	resources := repository.NewTrackedResourceRepository(db)
	deliveries := repository.NewWebhookDeliveryRepository(db)
	require.NoError(t, resources.MarkSyncing(ctx, res.ID, "crashed-task"))
	_, err := deliveries.Claim(ctx, "d-1", "tenant-a", "push", time.Now(), time.Minute)
	require.NoError(t, err)

	scheduler := &fakeScheduler{}
	tasks := queue.NewMemoryQueue()
	defer tasks.Close()
	w := New(testConfig(), tasks, newFakeHandler(), scheduler, resources, deliveries)
	later := time.Now().Add(2 * time.Hour)
	w.SetClock(testutil.NewFakeClock(later))

	w.maintain(ctx)

	stored, err := resources.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
	assert.Nil(t, stored.SyncTaskID)

	seen, err := deliveries.Seen(ctx, "d-1", time.Now())
	require.NoError(t, err)
	assert.False(t, seen, "expired delivery was purged")

	require.Len(t, scheduler.reconciled, 1)
	assert.Equal(t, later.Add(-30*time.Minute), scheduler.reconciled[0])
	require.Len(t, scheduler.scheduled, 1)
	assert.Equal(t, later.Add(-15*time.Minute), scheduler.scheduled[0])
}
