package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/vipul43/repopulse/internal/github"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncer"
)

const (
	EventPing        = "ping"
	EventPullRequest = "pull_request"
	EventPush        = "push"
)

// resyncEvents change sub-resources that payloads do not carry in full, so
// the resource is re-synced instead.
var resyncEvents = map[string]bool{
	"pull_request_review":         true,
	"pull_request_review_comment": true,
	"pull_request_review_thread":  true,
	"issue_comment":               true,
	EventPush:                     true,
}

// EventApplier writes pull_request deliveries straight to the store and
// schedules a targeted incremental sync for the other supported events.
type EventApplier struct {
	prRepo *repository.PullRequestRepository
	tasks  queue.Queue
	clock  ratelimit.Clock
}

func NewEventApplier(prRepo *repository.PullRequestRepository, tasks queue.Queue) *EventApplier {
	return &EventApplier{prRepo: prRepo, tasks: tasks, clock: ratelimit.SystemClock{}}
}

// SetClock replaces the wall clock (tests)
func (a *EventApplier) SetClock(clock ratelimit.Clock) {
	a.clock = clock
}

func (a *EventApplier) Apply(ctx context.Context, res models.TrackedResource, event string, payload []byte) error {
	switch {
	case event == EventPing:
		return nil
	case event == EventPullRequest:
		if err := a.applyPullRequest(ctx, res, payload); err != nil {
			log.Printf("Warning: direct apply failed for resource %s, scheduling sync: %v", res.ID, err)
			return a.scheduleSync(ctx, res, event)
		}
		return nil
	case resyncEvents[event]:
		return a.scheduleSync(ctx, res, event)
	default:
		log.Printf("Ignoring unsupported event %s for resource %s", event, res.ID)
		return nil
	}
}

func (a *EventApplier) applyPullRequest(ctx context.Context, res models.TrackedResource, payload []byte) error {
	var body struct {
		PullRequest json.RawMessage `json:"pull_request"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("failed to parse pull_request event: %w", err)
	}
	if len(body.PullRequest) == 0 {
		return fmt.Errorf("pull_request event without pull_request")
	}

	pr, err := github.ParsePullRequest(body.PullRequest)
	if err != nil {
		return err
	}
	row, err := syncer.ToModel(res.TenantID, pr)
	if err != nil {
		return err
	}

	created, err := a.prRepo.UpsertFromWebhook(ctx, res.ID, row, a.clock.Now())
	if err != nil {
		return err
	}
	log.Printf("Applied pull request #%d to resource %s (created: %t)", pr.Number, res.ID, created)
	return nil
}

func (a *EventApplier) scheduleSync(ctx context.Context, res models.TrackedResource, event string) error {
	task := queue.Task{
		ID:         queue.ResourceSyncTaskID(res.ID),
		Kind:       queue.KindResourceSync,
		TenantID:   res.TenantID,
		ResourceID: res.ID,
		Args:       map[string]string{"reason": event},
	}
	if err := a.tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to schedule sync for resource %s: %w", res.ID, err)
	}
	return nil
}
