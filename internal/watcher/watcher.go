package watcher

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vipul43/repopulse/internal/config"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
)

const (
	maintenanceBatch = 50
	defaultHeartbeat = time.Minute
)

// Handler executes tasks. Fail is called once a task will not be retried.
type Handler interface {
	Handle(ctx context.Context, task queue.Task) error
	Fail(ctx context.Context, task queue.Task, cause error) error
}

// Scheduler produces periodic work: scheduled syncs and recovery of stalled
// pipeline runs.
type Scheduler interface {
	ScheduleSyncs(ctx context.Context, before time.Time, limit int) (int, error)
	Reconcile(ctx context.Context, before time.Time, limit int) (int, error)
}

type Watcher struct {
	cfg          *config.Config
	tasks        queue.Queue
	handler      Handler
	scheduler    Scheduler
	resourceRepo *repository.TrackedResourceRepository
	deliveryRepo *repository.WebhookDeliveryRepository
	policy       ratelimit.Policy
	heartbeat    time.Duration
	clock        ratelimit.Clock
}

func New(
	cfg *config.Config,
	tasks queue.Queue,
	handler Handler,
	scheduler Scheduler,
	resourceRepo *repository.TrackedResourceRepository,
	deliveryRepo *repository.WebhookDeliveryRepository,
) *Watcher {
	return &Watcher{
		cfg:          cfg,
		tasks:        tasks,
		handler:      handler,
		scheduler:    scheduler,
		resourceRepo: resourceRepo,
		deliveryRepo: deliveryRepo,
		policy:       ratelimit.DefaultPolicy().WithMaxAttempts(cfg.MaxRetries),
		heartbeat:    defaultHeartbeat,
		clock:        ratelimit.SystemClock{},
	}
}

// SetPolicy replaces the task retry policy
func (w *Watcher) SetPolicy(policy ratelimit.Policy) {
	w.policy = policy
}

// SetHeartbeat sets how often a running task's lease is renewed
func (w *Watcher) SetHeartbeat(interval time.Duration) {
	w.heartbeat = interval
}

// SetClock replaces the wall clock used for maintenance cutoffs (tests)
func (w *Watcher) SetClock(clock ratelimit.Clock) {
	w.clock = clock
}

// Start runs the worker pool and the maintenance ticker until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	workers := w.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	log.Printf("Starting watcher with %d workers...", workers)

	// Recover whatever a previous process left behind
	w.maintain(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i + 1
		g.Go(func() error {
			return w.work(gctx, id)
		})
	}
	g.Go(func() error {
		return w.tick(gctx)
	})

	err := g.Wait()
	log.Println("Watcher shut down")
	return err
}

func (w *Watcher) tick(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Watcher shutting down...")
			return nil
		case <-ticker.C:
			w.maintain(ctx)
		}
	}
}

func (w *Watcher) work(ctx context.Context, id int) error {
	for {
		task, err := w.tasks.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			log.Printf("Worker %d: failed to dequeue: %v", id, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(w.cfg.PollInterval) * time.Second):
			}
			continue
		}
		w.process(ctx, *task)
	}
}

// process runs one task and settles it: ack on success, requeue with backoff
// on a retryable error, otherwise hand it to Handler.Fail and ack. The queue
// holds the task's lane until it is settled, so tasks of one tenant never
// overlap.
func (w *Watcher) process(ctx context.Context, task queue.Task) {
	stop := w.keepAlive(ctx, task)
	err := w.handler.Handle(ctx, task)
	stop()

	if err == nil {
		if ackErr := w.tasks.Ack(ctx, task); ackErr != nil {
			log.Printf("Warning: failed to ack task %s: %v", task.ID, ackErr)
		}
		return
	}
	if ctx.Err() != nil {
		log.Printf("Task %s interrupted by shutdown", task.ID)
		return
	}

	attempt := task.Attempt + 1
	delay := w.policy.BackoffDelay(attempt)
	if w.policy.ShouldRetry(err, attempt) {
		log.Printf("Task %s (%s) failed on attempt %d, retrying in %s: %v", task.ID, task.Kind, attempt, delay, err)
		w.requeue(ctx, task, delay)
		return
	}

	if failErr := w.handler.Fail(ctx, task, err); failErr != nil {
		// Requeue so the failure is recorded on the next delivery.
		log.Printf("Warning: failed to record failure of task %s: %v", task.ID, failErr)
		w.requeue(ctx, task, delay)
		return
	}
	if ackErr := w.tasks.Ack(ctx, task); ackErr != nil {
		log.Printf("Warning: failed to ack task %s: %v", task.ID, ackErr)
	}
}

func (w *Watcher) requeue(ctx context.Context, task queue.Task, delay time.Duration) {
	if err := w.tasks.Retry(ctx, task, delay); err != nil {
		log.Printf("Warning: failed to requeue task %s: %v", task.ID, err)
	}
}

// keepAlive renews the task's lease every heartbeat until stop is called.
func (w *Watcher) keepAlive(ctx context.Context, task queue.Task) (stop func()) {
	if w.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.tasks.Extend(ctx, task); err != nil && ctx.Err() == nil {
					log.Printf("Warning: failed to extend lease of task %s: %v", task.ID, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// maintain runs the periodic sweeps. Errors are logged, never fatal.
func (w *Watcher) maintain(ctx context.Context) {
	now := w.clock.Now()
	staleBefore := now.Add(-time.Duration(w.cfg.StaleAfter) * time.Second)

	if n, err := w.resourceRepo.SweepStale(ctx, staleBefore); err != nil {
		log.Printf("Error sweeping stale resources: %v", err)
	} else if n > 0 {
		log.Printf("Moved %d stale syncing resource(s) to error", n)
	}

	if _, err := w.scheduler.Reconcile(ctx, staleBefore, maintenanceBatch); err != nil {
		log.Printf("Error reconciling stale runs: %v", err)
	}

	syncBefore := now.Add(-time.Duration(w.cfg.SyncInterval) * time.Second)
	if _, err := w.scheduler.ScheduleSyncs(ctx, syncBefore, maintenanceBatch); err != nil {
		log.Printf("Error scheduling syncs: %v", err)
	}

	if n, err := w.deliveryRepo.PurgeExpired(ctx, now); err != nil {
		log.Printf("Error purging webhook deliveries: %v", err)
	} else if n > 0 {
		log.Printf("Purged %d expired webhook deliveries", n)
	}
}
