// Package pipeline runs the per-tenant onboarding workflow.
//
// A run's phase is persisted and is the only source of truth for progress.
// The task queue just delivers work: every task names the phase it expects
// to find, does nothing if the run has moved on, and moves the run forward
// one step with a guarded update when it is done.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncer"
	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	DefaultPhase1Window    = 30 * 24 * time.Hour
	DefaultPhase2Window    = 365 * 24 * time.Hour
	DefaultEnrichBatchSize = 20
)

// Syncer is the incremental sync engine
type Syncer interface {
	Sync(ctx context.Context, res models.TrackedResource, mode syncer.Mode, opts ...syncer.Option) (syncer.Result, error)
}

// Enricher annotates one synced pull request
type Enricher interface {
	Annotate(ctx context.Context, pr models.PullRequest) (json.RawMessage, error)
}

// Aggregator computes a tenant's metrics over a date range
type Aggregator interface {
	Aggregate(ctx context.Context, tenantID string, from, to time.Time) (json.RawMessage, error)
}

type Config struct {
	Phase1Window    time.Duration
	Phase2Window    time.Duration
	EnrichBatchSize int
}

func DefaultConfig() Config {
	return Config{
		Phase1Window:    DefaultPhase1Window,
		Phase2Window:    DefaultPhase2Window,
		EnrichBatchSize: DefaultEnrichBatchSize,
	}
}

type Orchestrator struct {
	runs       *repository.PipelineRunRepository
	resources  *repository.TrackedResourceRepository
	prs        *repository.PullRequestRepository
	engine     Syncer
	enricher   Enricher
	aggregator Aggregator
	tasks      queue.Queue
	clock      ratelimit.Clock
	cfg        Config
}

// NewOrchestrator wires the orchestrator. enricher and aggregator may be nil,
// in which case those phases pass straight through.
func NewOrchestrator(
	runs *repository.PipelineRunRepository,
	resources *repository.TrackedResourceRepository,
	prs *repository.PullRequestRepository,
	engine Syncer,
	enricher Enricher,
	aggregator Aggregator,
	tasks queue.Queue,
	cfg Config,
) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.Phase1Window <= 0 {
		cfg.Phase1Window = defaults.Phase1Window
	}
	if cfg.Phase2Window <= 0 {
		cfg.Phase2Window = defaults.Phase2Window
	}
	if cfg.EnrichBatchSize <= 0 {
		cfg.EnrichBatchSize = defaults.EnrichBatchSize
	}
	return &Orchestrator{
		runs:       runs,
		resources:  resources,
		prs:        prs,
		engine:     engine,
		enricher:   enricher,
		aggregator: aggregator,
		tasks:      tasks,
		clock:      ratelimit.SystemClock{},
		cfg:        cfg,
	}
}

// SetClock replaces the wall clock (tests)
func (o *Orchestrator) SetClock(clock ratelimit.Clock) {
	o.clock = clock
}

// Onboard starts a pipeline run for the tenant or joins the active one.
// joined reports whether an existing run was returned.
func (o *Orchestrator) Onboard(ctx context.Context, tenantID string) (*models.PipelineRun, bool, error) {
	run, joined, err := o.runs.CreateOrJoin(ctx, tenantID, o.clock.Now())
	if err != nil {
		return nil, false, err
	}

	if joined {
		log.Printf("Tenant %s joined active run %s (phase %s)", tenantID, run.ID, run.Phase)
		if run.Phase != models.PhaseQueued {
			return run, true, nil
		}
	} else {
		log.Printf("Created run %s (generation %d) for tenant %s", run.ID, run.Generation, tenantID)
	}

	// The start task id is deterministic, so a joined queued run does not
	// get a second one.
	if err := o.enqueue(ctx, run, queue.KindPipelineStart); err != nil {
		return nil, false, err
	}
	return run, joined, nil
}

// Run returns a run with its history
func (o *Orchestrator) Run(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return o.runs.GetByID(ctx, runID)
}

// Cancel marks the run failed with the cancelled code. Tasks already in
// flight notice at their next guard check. It returns false when the run was
// already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (bool, error) {
	cancelled, err := o.runs.Fail(ctx, runID, syncerr.CodeCancelled, o.clock.Now())
	if err != nil {
		return false, err
	}
	if cancelled {
		log.Printf("Run %s cancelled", runID)
	}
	return cancelled, nil
}

// Handle executes one task. A returned error means the task should be retried
// (subject to the retry policy); a task that finds nothing to do returns nil.
func (o *Orchestrator) Handle(ctx context.Context, task queue.Task) error {
	if task.Kind == queue.KindResourceSync {
		return o.syncResource(ctx, task)
	}
	if _, ok := steps[task.Kind]; !ok {
		log.Printf("Warning: dropping task %s with unknown kind %s", task.ID, task.Kind)
		return nil
	}
	return o.runStep(ctx, task)
}

// Fail records the final failure of a task whose retries are exhausted or
// whose error is permanent. Only the error code is persisted.
func (o *Orchestrator) Fail(ctx context.Context, task queue.Task, cause error) error {
	code := syncerr.CodeOf(cause)
	log.Printf("Task %s (%s) failed permanently: %v", task.ID, task.Kind, cause)

	if task.Kind == queue.KindResourceSync {
		// A task that never won the claim must leave the owner's state alone.
		if task.ResourceID == "" || errors.Is(cause, repository.ErrResourceBusy) {
			return nil
		}
		err := o.resources.MarkError(ctx, task.ResourceID, task.ID, cause)
		if errors.Is(err, repository.ErrResourceBusy) {
			return nil
		}
		return err
	}
	if task.RunID == "" {
		return nil
	}

	failed, err := o.runs.Fail(ctx, task.RunID, code, o.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return nil
		}
		return err
	}
	if failed {
		log.Printf("Run %s failed with %s", task.RunID, code)
	}
	return nil
}

// Reconcile re-enqueues the current-phase task of active runs that have not
// moved since before. Phase guards make a duplicate delivery harmless.
func (o *Orchestrator) Reconcile(ctx context.Context, before time.Time, limit int) (int, error) {
	runs, err := o.runs.ListStale(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for i := range runs {
		run := &runs[i]
		kind, ok := kindForPhase(run.Phase)
		if !ok {
			continue
		}
		if err := o.enqueue(ctx, run, kind); err != nil {
			return requeued, err
		}
		if err := o.runs.Touch(ctx, run.ID, o.clock.Now()); err != nil {
			return requeued, err
		}
		log.Printf("Re-enqueued %s for stale run %s", kind, run.ID)
		requeued++
	}
	return requeued, nil
}

// ScheduleSyncs enqueues an incremental sync for every idle resource not
// synced since before, least recently synced first.
func (o *Orchestrator) ScheduleSyncs(ctx context.Context, before time.Time, limit int) (int, error) {
	due, err := o.resources.ListDueForSync(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	for _, res := range due {
		task := queue.Task{
			ID:         queue.ResourceSyncTaskID(res.ID),
			Kind:       queue.KindResourceSync,
			TenantID:   res.TenantID,
			ResourceID: res.ID,
			Args:       map[string]string{"reason": "schedule"},
		}
		if err := o.tasks.Enqueue(ctx, task); err != nil {
			return 0, fmt.Errorf("failed to schedule sync for resource %s: %w", res.ID, err)
		}
	}
	if len(due) > 0 {
		log.Printf("Found %d resources due for sync", len(due))
	}
	return len(due), nil
}

func (o *Orchestrator) enqueue(ctx context.Context, run *models.PipelineRun, kind queue.Kind) error {
	task := queue.Task{
		ID:       queue.PipelineTaskID(run.ID, kind),
		Kind:     kind,
		TenantID: run.TenantID,
		RunID:    run.ID,
	}
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue %s for run %s: %w", kind, run.ID, err)
	}
	return nil
}

// syncResource handles a targeted incremental sync outside the pipeline.
func (o *Orchestrator) syncResource(ctx context.Context, task queue.Task) error {
	res, err := o.resources.GetByID(ctx, task.ResourceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("Warning: resource %s no longer exists, dropping sync", task.ResourceID)
			return nil
		}
		return err
	}
	if !res.Active {
		log.Printf("Resource %s is inactive, dropping sync", res.ID)
		return nil
	}

	_, err = o.syncOne(ctx, task.ID, *res, syncer.ModeIncremental)
	return err
}

// syncOne owns the resource for the duration of one sync and releases it
// with the outcome.
func (o *Orchestrator) syncOne(ctx context.Context, taskID string, res models.TrackedResource, mode syncer.Mode, opts ...syncer.Option) (syncer.Result, error) {
	if err := o.resources.MarkSyncing(ctx, res.ID, taskID); err != nil {
		return syncer.Result{}, fmt.Errorf("failed to claim resource %s: %w", res.ID, err)
	}

	result, err := o.engine.Sync(ctx, res, mode, opts...)
	// Release even if ctx is already done.
	releaseCtx := context.WithoutCancel(ctx)
	if err != nil {
		if markErr := o.resources.MarkError(releaseCtx, res.ID, taskID, err); markErr != nil {
			log.Printf("Warning: failed to release resource %s: %v", res.ID, markErr)
		}
		return result, err
	}
	if err := o.resources.MarkComplete(releaseCtx, res.ID, taskID); err != nil {
		if errors.Is(err, repository.ErrResourceBusy) {
			// Swept as stale while running; the data is committed regardless.
			log.Printf("Warning: resource %s was reclaimed while task %s synced it", res.ID, taskID)
			return result, nil
		}
		return result, err
	}
	return result, nil
}
