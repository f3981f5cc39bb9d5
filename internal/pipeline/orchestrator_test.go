package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncer"
	"github.com/vipul43/repopulse/internal/syncerr"
	"github.com/vipul43/repopulse/internal/testutil"
)

type syncCall struct {
	ResourceID string
	Mode       syncer.Mode
	Since      *time.Time
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []syncCall
	errs  map[string]error
	// onSync runs inside Sync, after the call is recorded.
	onSync func(res models.TrackedResource)
}

func (f *fakeEngine) Sync(ctx context.Context, res models.TrackedResource, mode syncer.Mode, opts ...syncer.Option) (syncer.Result, error) {
	o := syncer.ResolveOptions(opts...)
	f.mu.Lock()
	f.calls = append(f.calls, syncCall{ResourceID: res.ID, Mode: mode, Since: o.Since})
	err := f.errs[res.ID]
	hook := f.onSync
	f.mu.Unlock()
	if hook != nil {
		hook(res)
	}
	if err != nil {
		return syncer.Result{Mode: mode}, err
	}
	return syncer.Result{Mode: mode, Updated: 1}, nil
}

func (f *fakeEngine) Calls() []syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncCall(nil), f.calls...)
}

type fakeEnricher struct {
	fail map[int]error
	seen []int
}

func (f *fakeEnricher) Annotate(ctx context.Context, pr models.PullRequest) (json.RawMessage, error) {
	f.seen = append(f.seen, pr.Number)
	if err := f.fail[pr.Number]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"number":%d}`, pr.Number)), nil
}

type aggregateCall struct {
	TenantID string
	From, To time.Time
}

type fakeAggregator struct {
	calls []aggregateCall
}

func (f *fakeAggregator) Aggregate(ctx context.Context, tenantID string, from, to time.Time) (json.RawMessage, error) {
	f.calls = append(f.calls, aggregateCall{TenantID: tenantID, From: from, To: to})
	return json.RawMessage(fmt.Sprintf(`{"calls":%d}`, len(f.calls))), nil
}

type fixture struct {
	db         *gorm.DB
	orch       *Orchestrator
	tasks      *queue.MemoryQueue
	engine     *fakeEngine
	enricher   *fakeEnricher
	aggregator *fakeAggregator
	clock      *testutil.FakeClock
	runs       *repository.PipelineRunRepository
	resources  *repository.TrackedResourceRepository
	prs        *repository.PullRequestRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	tasks := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = tasks.Close() })

	f := &fixture{
		db:         db,
		tasks:      tasks,
		engine:     &fakeEngine{errs: map[string]error{}},
		enricher:   &fakeEnricher{fail: map[int]error{}},
		aggregator: &fakeAggregator{},
		clock:      testutil.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		runs:       repository.NewPipelineRunRepository(db),
		resources:  repository.NewTrackedResourceRepository(db),
		prs:        repository.NewPullRequestRepository(db),
	}
	f.orch = NewOrchestrator(f.runs, f.resources, f.prs, f.engine, f.enricher, f.aggregator, tasks, Config{EnrichBatchSize: 2})
	f.orch.SetClock(f.clock)
	return f
}

// drain handles queued tasks until the queue is empty and returns the kinds
// in the order they ran.
func (f *fixture) drain(t *testing.T) []queue.Kind {
	t.Helper()
	var kinds []queue.Kind
	ctx := context.Background()
	for i := 0; f.tasks.Len() > 0; i++ {
		require.Less(t, i, 50, "queue did not drain")
		task, err := f.tasks.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, f.orch.Handle(ctx, *task))
		require.NoError(t, f.tasks.Ack(ctx, *task))
		kinds = append(kinds, task.Kind)
	}
	return kinds
}

func (f *fixture) seedPRs(t *testing.T, res models.TrackedResource, numbers ...int) {
	t.Helper()
	prs := make([]models.PullRequest, 0, len(numbers))
	for _, n := range numbers {
		at := f.clock.Now().Add(-time.Duration(n) * time.Hour)
		prs = append(prs, models.PullRequest{TenantID: res.TenantID, Number: n, Title: "pr", UpstreamCreatedAt: at, UpstreamUpdatedAt: at})
	}
	_, err := f.prs.Upsert(context.Background(), res.ID, prs, f.clock.Now())
	require.NoError(t, err)
}

func historyPhases(run *models.PipelineRun) []models.Phase {
	out := make([]models.Phase, 0, len(run.History))
	for _, h := range run.History {
		out = append(out, h.ToPhase)
	}
	return out
}

func TestOnboard_JoinsActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, joined, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, joined)

	second, joined, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&models.PipelineRun{}).Where("tenant_id = ?", "tenant-a").Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, f.tasks.Len(), "joining must not queue a second start task")
}

func TestPipeline_RunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	fresh := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	synced := testutil.SeedResource(t, f.db, integration, "1002", "acme", "web")
	cursor := models.FormatCursor(f.clock.Now().Add(-time.Hour))
	require.NoError(t, f.db.Model(&models.TrackedResource{}).Where("id = ?", synced.ID).Update("sync_cursor", cursor).Error)
	f.seedPRs(t, fresh, 1, 2, 3)

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)

	kinds := f.drain(t)
	assert.Equal(t, []queue.Kind{
		queue.KindPipelineStart,
		queue.KindPipelineSync,
		queue.KindPipelineEnrich,
		queue.KindPipelineAggregate,
		queue.KindPipelineScheduleBackfill,
		queue.KindPipelineBackfill,
	}, kinds)

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Phase2Complete, got.Phase)
	assert.True(t, got.Terminal)
	assert.Nil(t, got.ErrorCode)
	assert.Equal(t, []models.Phase{
		models.PhaseQueued, models.PhaseSyncing, models.PhaseEnriching, models.PhaseAggregating,
		models.Phase1Complete, models.Phase2Pending, models.Phase2Complete,
	}, historyPhases(got))
	assert.JSONEq(t, `{"calls":2}`, string(got.Metrics))

	now := f.clock.Now()
	calls := f.engine.Calls()
	require.Len(t, calls, 4)
	byResource := map[string][]syncCall{}
	for _, c := range calls {
		byResource[c.ResourceID] = append(byResource[c.ResourceID], c)
	}
	// Phase 1: a never-synced resource gets the shallow window, a synced one
	// goes incremental. Phase 2: both get the deep window.
	require.Len(t, byResource[fresh.ID], 2)
	assert.Equal(t, syncer.ModeFull, byResource[fresh.ID][0].Mode)
	require.NotNil(t, byResource[fresh.ID][0].Since)
	assert.Equal(t, now.Add(-DefaultPhase1Window), *byResource[fresh.ID][0].Since)
	assert.Equal(t, syncer.ModeIncremental, byResource[synced.ID][0].Mode)
	assert.Nil(t, byResource[synced.ID][0].Since)
	for _, id := range []string{fresh.ID, synced.ID} {
		assert.Equal(t, syncer.ModeFull, byResource[id][1].Mode)
		assert.Equal(t, now.Add(-DefaultPhase2Window), *byResource[id][1].Since)
	}

	require.Len(t, f.aggregator.calls, 2)
	assert.Equal(t, now.Add(-DefaultPhase1Window), f.aggregator.calls[0].From)
	assert.Equal(t, now.Add(-DefaultPhase2Window), f.aggregator.calls[1].From)

	pending, err := f.prs.ListUnenriched(ctx, "tenant-a", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err := f.resources.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusComplete, res.SyncStatus)
	assert.Nil(t, res.SyncTaskID)
}

func TestHandle_RedeliveredTaskIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	start, err := f.tasks.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, f.orch.Handle(ctx, *start))
	require.NoError(t, f.orch.Handle(ctx, *start))

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSyncing, got.Phase)
	assert.Len(t, got.History, 2)

	pending := f.tasks.Pending()
	require.Len(t, pending, 1, "the follow-up task is queued once")
	assert.Equal(t, queue.KindPipelineSync, pending[0].Kind)
}

func TestHandle_RequeuesLostFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	start, err := f.tasks.Dequeue(ctx)
	require.NoError(t, err)

	// Simulate a crash between the transition and the enqueue.
	require.NoError(t, f.runs.Transition(ctx, run.ID, models.PhaseQueued, models.PhaseSyncing, f.clock.Now()))
	require.Equal(t, 0, f.tasks.Len())

	require.NoError(t, f.orch.Handle(ctx, *start))
	pending := f.tasks.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, queue.KindPipelineSync, pending[0].Kind)
}

func TestCancel_LateTaskIsSafeNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	start, err := f.tasks.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.orch.Handle(ctx, *start))
	require.NoError(t, f.tasks.Ack(ctx, *start))

	cancelled, err := f.orch.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	f.drain(t)
	assert.Empty(t, f.engine.Calls())

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, got.Phase)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, string(syncerr.CodeCancelled), *got.ErrorCode)

	cancelled, err = f.orch.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "terminal runs stay as they are")
}

func TestCancel_StopsStepBetweenResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	testutil.SeedResource(t, f.db, integration, "1002", "acme", "web")

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	f.engine.onSync = func(models.TrackedResource) {
		_, err := f.orch.Cancel(ctx, run.ID)
		require.NoError(t, err)
	}

	f.drain(t)
	assert.Len(t, f.engine.Calls(), 1, "no further resource is synced after cancel")

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, got.Phase)
}

func TestFail_RecordsCategoryNotRawText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	f.engine.errs[res.ID] = syncerr.New(syncerr.CodeAuth, "list pull requests", errors.New("401 Bad credentials: token ghp_secret"))

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	start, _ := f.tasks.Dequeue(ctx)
	require.NoError(t, f.orch.Handle(ctx, *start))
	require.NoError(t, f.tasks.Ack(ctx, *start))

	syncTask, err := f.tasks.Dequeue(ctx)
	require.NoError(t, err)
	err = f.orch.Handle(ctx, *syncTask)
	require.Error(t, err)
	assert.Equal(t, syncerr.Permanent, syncerr.CategoryOf(err))

	require.NoError(t, f.orch.Fail(ctx, *syncTask, err))

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, got.Phase)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, "auth", *got.ErrorCode)

	stored, err := f.resources.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
	require.NotNil(t, stored.LastSyncError)
	assert.NotContains(t, *stored.LastSyncError, "ghp_secret")

	// A failed run is not resurrected; onboarding starts a new generation.
	next, joined, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, 2, next.Generation)
}

func TestSync_MissingRepositoryDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	gone := testutil.SeedResource(t, f.db, integration, "1001", "acme", "gone")
	testutil.SeedResource(t, f.db, integration, "1002", "acme", "web")
	f.engine.errs[gone.ID] = syncerr.New(syncerr.CodeNotFound, "list pull requests", nil)

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	f.drain(t)

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Phase2Complete, got.Phase)

	stored, err := f.resources.GetByID(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
}

func TestEnrich_SkipsRejectedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	f.seedPRs(t, res, 1, 2, 3, 4, 5)
	f.enricher.fail[3] = syncerr.New(syncerr.CodeMalformedRecord, "annotate", nil)

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.PipelineRun{}).Where("id = ?", run.ID).Update("phase", models.PhaseEnriching).Error)

	require.NoError(t, f.orch.Handle(ctx, queue.Task{ID: "e", Kind: queue.KindPipelineEnrich, TenantID: "tenant-a", RunID: run.ID}))

	pending, err := f.prs.ListUnenriched(ctx, "tenant-a", nil, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Number)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, f.enricher.seen)

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAggregating, got.Phase)
}

func TestEnrich_TransientFailureRetriesStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	f.seedPRs(t, res, 1)
	f.enricher.fail[1] = syncerr.New(syncerr.CodeUpstreamUnavailable, "annotate", nil)

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.PipelineRun{}).Where("id = ?", run.ID).Update("phase", models.PhaseEnriching).Error)

	err = f.orch.Handle(ctx, queue.Task{ID: "e", Kind: queue.KindPipelineEnrich, TenantID: "tenant-a", RunID: run.ID})
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEnriching, got.Phase)
}

func TestReconcile_RequeuesStaleRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, _, err := f.orch.Onboard(ctx, "tenant-a")
	require.NoError(t, err)
	start, err := f.tasks.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.orch.Handle(ctx, *start))
	require.NoError(t, f.tasks.Ack(ctx, *start))
	lost, err := f.tasks.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.KindPipelineSync, lost.Kind)

	f.clock.Advance(time.Hour)
	n, err := f.orch.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := f.tasks.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, queue.PipelineTaskID(run.ID, queue.KindPipelineSync), pending[0].ID)

	n, err = f.orch.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "touched runs are no longer stale")
}

func TestSyncResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	inactive := testutil.SeedResource(t, f.db, integration, "1002", "acme", "old")
	require.NoError(t, f.resources.Deactivate(ctx, "tenant-a", inactive.ID))

	n, err := f.orch.ScheduleSyncs(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kinds := f.drain(t)
	assert.Equal(t, []queue.Kind{queue.KindResourceSync}, kinds)

	calls := f.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, res.ID, calls[0].ResourceID)
	assert.Equal(t, syncer.ModeIncremental, calls[0].Mode)

	require.NoError(t, f.orch.Handle(ctx, queue.Task{ID: "x", Kind: queue.KindResourceSync, TenantID: "tenant-a", ResourceID: inactive.ID}))
	require.NoError(t, f.orch.Handle(ctx, queue.Task{ID: "y", Kind: queue.KindResourceSync, TenantID: "tenant-a", ResourceID: "missing"}))
	assert.Len(t, f.engine.Calls(), 1)
}

func TestFail_ResourceSyncMarksResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	task := queue.Task{ID: "s", Kind: queue.KindResourceSync, TenantID: "tenant-a", ResourceID: res.ID}
	require.NoError(t, f.resources.MarkSyncing(ctx, res.ID, task.ID))
	require.NoError(t, f.orch.Fail(ctx, task, syncerr.New(syncerr.CodeTimeout, "get", nil)))

	stored, err := f.resources.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
	require.NotNil(t, stored.LastSyncError)
	assert.Equal(t, syncerr.Message(syncerr.CodeTimeout), *stored.LastSyncError)
}

func TestFail_LosingResourceSyncLeavesOwnerAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	owner := "run-1:pipeline.sync"
	require.NoError(t, f.resources.MarkSyncing(ctx, res.ID, owner))

	task := queue.Task{ID: queue.ResourceSyncTaskID(res.ID), Kind: queue.KindResourceSync, TenantID: "tenant-a", ResourceID: res.ID}
	err := f.orch.Handle(ctx, task)
	require.ErrorIs(t, err, repository.ErrResourceBusy)
	assert.Empty(t, f.engine.Calls())

	require.NoError(t, f.orch.Fail(ctx, task, err))
	require.NoError(t, f.orch.Fail(ctx, task, syncerr.New(syncerr.CodeTimeout, "get", nil)))

	stored, err := f.resources.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSyncing, stored.SyncStatus)
	require.NotNil(t, stored.SyncTaskID)
	assert.Equal(t, owner, *stored.SyncTaskID)
	assert.Nil(t, stored.LastSyncError)
}
