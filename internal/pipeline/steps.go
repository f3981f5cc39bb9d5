package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncer"
	"github.com/vipul43/repopulse/internal/syncerr"
)

// errRunMoved stops a step whose run left the expected phase mid-work.
var errRunMoved = errors.New("pipeline run left the expected phase")

type stepFunc func(o *Orchestrator, ctx context.Context, run *models.PipelineRun, task queue.Task) error

// step moves a run from one phase to the next. work may be nil.
type step struct {
	from models.Phase
	to   models.Phase
	next queue.Kind
	work stepFunc
}

var steps = map[queue.Kind]step{
	queue.KindPipelineStart: {
		from: models.PhaseQueued, to: models.PhaseSyncing, next: queue.KindPipelineSync,
	},
	queue.KindPipelineSync: {
		from: models.PhaseSyncing, to: models.PhaseEnriching, next: queue.KindPipelineEnrich,
		work: (*Orchestrator).syncRecent,
	},
	queue.KindPipelineEnrich: {
		from: models.PhaseEnriching, to: models.PhaseAggregating, next: queue.KindPipelineAggregate,
		work: (*Orchestrator).enrich,
	},
	queue.KindPipelineAggregate: {
		from: models.PhaseAggregating, to: models.Phase1Complete, next: queue.KindPipelineScheduleBackfill,
		work: (*Orchestrator).aggregateRecent,
	},
	queue.KindPipelineScheduleBackfill: {
		from: models.Phase1Complete, to: models.Phase2Pending, next: queue.KindPipelineBackfill,
	},
	queue.KindPipelineBackfill: {
		from: models.Phase2Pending, to: models.Phase2Complete,
		work: (*Orchestrator).backfill,
	},
}

func kindForPhase(phase models.Phase) (queue.Kind, bool) {
	for kind, st := range steps {
		if st.from == phase {
			return kind, true
		}
	}
	return "", false
}

func (o *Orchestrator) runStep(ctx context.Context, task queue.Task) error {
	st := steps[task.Kind]

	run, err := o.runs.GetByID(ctx, task.RunID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			log.Printf("Warning: run %s not found, dropping %s", task.RunID, task.Kind)
			return nil
		}
		return err
	}
	if run.Terminal {
		log.Printf("Run %s is %s, dropping %s", run.ID, run.Phase, task.Kind)
		return nil
	}

	switch run.Phase {
	case st.from:
	case st.to:
		// Transition committed but the follow-up task may have been lost.
		return o.enqueueNext(ctx, run, st)
	default:
		log.Printf("Run %s is in %s, not %s, skipping %s", run.ID, run.Phase, st.from, task.Kind)
		return nil
	}

	log.Printf("Processing %s for run %s (tenant %s, attempt %d)", task.Kind, run.ID, run.TenantID, task.Attempt+1)

	if st.work != nil {
		if err := st.work(o, ctx, run, task); err != nil {
			if errors.Is(err, errRunMoved) {
				log.Printf("Run %s moved while %s was running, discarding", run.ID, task.Kind)
				return nil
			}
			return err
		}
	}

	if err := o.runs.Transition(ctx, run.ID, st.from, st.to, o.clock.Now()); err != nil {
		if errors.Is(err, repository.ErrPhaseMismatch) {
			log.Printf("Run %s moved while %s was running, discarding", run.ID, task.Kind)
			return nil
		}
		return err
	}
	log.Printf("Run %s: %s -> %s", run.ID, st.from, st.to)

	return o.enqueueNext(ctx, run, st)
}

func (o *Orchestrator) enqueueNext(ctx context.Context, run *models.PipelineRun, st step) error {
	if st.next == "" {
		return nil
	}
	return o.enqueue(ctx, run, st.next)
}

// guard re-reads the run before further side effects and keeps it off the
// stale list while a long step runs.
func (o *Orchestrator) guard(ctx context.Context, runID string, phase models.Phase) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal || run.Phase != phase {
		return errRunMoved
	}
	return o.runs.Touch(ctx, runID, o.clock.Now())
}

// syncRecent brings every tracked resource up to date. Resources that were
// never synced only fetch the Phase-1 window so the first dashboard is quick.
func (o *Orchestrator) syncRecent(ctx context.Context, run *models.PipelineRun, task queue.Task) error {
	since := o.clock.Now().Add(-o.cfg.Phase1Window)
	return o.syncAll(ctx, run, task, func(res models.TrackedResource) (syncer.Mode, []syncer.Option) {
		if _, ok := res.CursorTime(); ok {
			return syncer.ModeIncremental, nil
		}
		return syncer.ModeFull, []syncer.Option{syncer.WithSince(since)}
	})
}

func (o *Orchestrator) syncAll(ctx context.Context, run *models.PipelineRun, task queue.Task, plan func(models.TrackedResource) (syncer.Mode, []syncer.Option)) error {
	resources, err := o.resources.ListActiveByTenant(ctx, run.TenantID)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		log.Printf("Tenant %s tracks no resources", run.TenantID)
		return nil
	}

	var total syncer.Result
	skipped := 0
	for _, res := range resources {
		if err := o.guard(ctx, run.ID, run.Phase); err != nil {
			return err
		}

		mode, opts := plan(res)
		result, err := o.syncOne(ctx, task.ID, res, mode, opts...)
		if err != nil {
			if syncerr.Is(err, syncerr.CodeNotFound) {
				// The repository is gone for this tenant; the others still sync.
				log.Printf("Warning: skipping resource %s: %v", res.ID, err)
				skipped++
				continue
			}
			return err
		}
		total.Created += result.Created
		total.Updated += result.Updated
		total.Errors += result.Errors
	}

	log.Printf("Synced %d resources for run %s: created=%d updated=%d errors=%d skipped=%d",
		len(resources)-skipped, run.ID, total.Created, total.Updated, total.Errors, skipped)
	return nil
}

// enrich annotates every pull request of the tenant that has none yet.
// Records the enricher rejects are skipped for the rest of the step.
func (o *Orchestrator) enrich(ctx context.Context, run *models.PipelineRun, task queue.Task) error {
	if o.enricher == nil {
		log.Printf("No enricher configured, skipping enrichment for run %s", run.ID)
		return nil
	}

	var skipped []string
	annotated := 0
	for {
		if err := o.guard(ctx, run.ID, run.Phase); err != nil {
			return err
		}

		prs, err := o.prs.ListUnenriched(ctx, run.TenantID, skipped, o.cfg.EnrichBatchSize)
		if err != nil {
			return err
		}
		if len(prs) == 0 {
			break
		}

		for _, pr := range prs {
			annotations, err := o.enricher.Annotate(ctx, pr)
			if err != nil {
				if syncerr.CategoryOf(err) == syncerr.Item {
					log.Printf("Warning: skipping enrichment of pull request %s: %v", pr.ID, err)
					skipped = append(skipped, pr.ID)
					continue
				}
				return err
			}
			if err := o.prs.SetAnnotations(ctx, pr.ID, annotations, o.clock.Now()); err != nil {
				return err
			}
			annotated++
		}
	}

	log.Printf("Enriched %d pull requests for run %s (%d skipped)", annotated, run.ID, len(skipped))
	return nil
}

func (o *Orchestrator) aggregateRecent(ctx context.Context, run *models.PipelineRun, task queue.Task) error {
	return o.aggregate(ctx, run, o.cfg.Phase1Window)
}

func (o *Orchestrator) aggregate(ctx context.Context, run *models.PipelineRun, window time.Duration) error {
	if o.aggregator == nil {
		log.Printf("No aggregator configured, skipping metrics for run %s", run.ID)
		return nil
	}
	if err := o.guard(ctx, run.ID, run.Phase); err != nil {
		return err
	}

	to := o.clock.Now()
	metrics, err := o.aggregator.Aggregate(ctx, run.TenantID, to.Add(-window), to)
	if err != nil {
		return err
	}
	return o.runs.SetMetrics(ctx, run.ID, metrics)
}

// backfill fetches the deeper Phase-2 window, annotates what it brought in
// and recomputes metrics over the whole window.
func (o *Orchestrator) backfill(ctx context.Context, run *models.PipelineRun, task queue.Task) error {
	since := o.clock.Now().Add(-o.cfg.Phase2Window)
	err := o.syncAll(ctx, run, task, func(models.TrackedResource) (syncer.Mode, []syncer.Option) {
		return syncer.ModeFull, []syncer.Option{syncer.WithSince(since)}
	})
	if err != nil {
		return err
	}
	if err := o.enrich(ctx, run, task); err != nil {
		return err
	}
	return o.aggregate(ctx, run, o.cfg.Phase2Window)
}
