// Package syncer is the incremental sync engine. It decides between a full
// and an incremental fetch for a tracked resource and turns fetched pull
// requests into per-tenant upserts.
//
// Each batch is written with the resource's last_sync_at and sync cursor in
// one transaction, so a failure between fetching and persisting leaves the
// cursor where it was.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/vipul43/repopulse/internal/github"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncerr"
)

const DefaultBatchSize = 25

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Result summarises one sync. Empty is set when the upstream reported no
// activity at all, which is a success and distinct from a failed call.
type Result struct {
	Mode    Mode
	Created int
	Updated int
	Errors  int
	Empty   bool
}

// API is the code host client used by the engine
type API interface {
	ListPullRequests(ctx context.Context, cred github.Credential, owner, repo string, q github.PageQuery) (*github.PullRequestPage, error)
	GetPullRequest(ctx context.Context, cred github.Credential, owner, repo string, number int) (*github.PullRequest, error)
	ListActivity(ctx context.Context, cred github.Credential, owner, repo string, since time.Time, cursor string) (*github.ActivityPage, error)
}

// CredentialSource returns the access credential of a tenant
type CredentialSource interface {
	Token(ctx context.Context, tenantID string) (github.Credential, error)
}

type Engine struct {
	api       API
	creds     CredentialSource
	prRepo    *repository.PullRequestRepository
	resRepo   *repository.TrackedResourceRepository
	clock     ratelimit.Clock
	batchSize int
}

func NewEngine(api API, creds CredentialSource, prRepo *repository.PullRequestRepository, resRepo *repository.TrackedResourceRepository) *Engine {
	return &Engine{
		api:       api,
		creds:     creds,
		prRepo:    prRepo,
		resRepo:   resRepo,
		clock:     ratelimit.SystemClock{},
		batchSize: DefaultBatchSize,
	}
}

// SetClock replaces the wall clock (tests)
func (e *Engine) SetClock(clock ratelimit.Clock) {
	e.clock = clock
}

// SetBatchSize sets how many pull requests are committed per transaction
func (e *Engine) SetBatchSize(n int) {
	if n > 0 {
		e.batchSize = n
	}
}

// Options are the resolved per-call settings
type Options struct {
	Since *time.Time
}

// Option tunes a single Sync call
type Option func(*Options)

// ResolveOptions applies opts to a zero Options
func ResolveOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithSince limits a full sync to pull requests updated at or after since.
// The listing runs newest first and the cursor is committed with the final
// batch only.
func WithSince(since time.Time) Option {
	return func(o *Options) {
		o.Since = &since
	}
}

// Sync brings one resource up to date. A resource without a cursor always
// gets a full sync regardless of mode.
func (e *Engine) Sync(ctx context.Context, res models.TrackedResource, mode Mode, opts ...Option) (Result, error) {
	o := ResolveOptions(opts...)

	cred, err := e.creds.Token(ctx, res.TenantID)
	if err != nil {
		return Result{}, err
	}

	cursor, hasCursor := res.CursorTime()
	if mode == ModeIncremental && !hasCursor {
		log.Printf("Resource %s has no sync cursor, running full sync", res.FullName())
		mode = ModeFull
	}

	log.Printf("Syncing %s for tenant %s (%s mode)", res.FullName(), res.TenantID, mode)

	var result Result
	switch mode {
	case ModeFull:
		if o.Since != nil {
			result, err = e.syncWindow(ctx, cred, res, *o.Since)
		} else {
			result, err = e.syncFull(ctx, cred, res)
		}
	case ModeIncremental:
		result, err = e.syncIncremental(ctx, cred, res, cursor)
	default:
		return Result{}, fmt.Errorf("failed to sync: unknown mode %q", mode)
	}
	result.Mode = mode
	if err != nil {
		return result, err
	}

	log.Printf("Synced %s: created=%d updated=%d errors=%d empty=%v", res.FullName(), result.Created, result.Updated, result.Errors, result.Empty)
	return result, nil
}

// syncFull lists every pull request oldest first and advances the cursor
// with each batch.
func (e *Engine) syncFull(ctx context.Context, cred github.Credential, res models.TrackedResource) (Result, error) {
	var result Result
	seen := false
	q := github.PageQuery{Direction: github.Ascending, PageSize: e.batchSize}

	for {
		page, err := e.api.ListPullRequests(ctx, cred, res.Owner, res.Name, q)
		if err != nil {
			return result, err
		}
		if len(page.Items) > 0 || len(page.Errors) > 0 {
			seen = true
		}
		result.Errors += e.logItemErrors(res, page.Errors)

		prs, maxUpdated, failed := e.convert(res, page.Items)
		result.Errors += failed
		if len(prs) > 0 {
			if err := e.apply(ctx, res, prs, &maxUpdated, &result); err != nil {
				return result, err
			}
		}

		if page.NextCursor == "" {
			break
		}
		q.Cursor = page.NextCursor
	}

	if !seen {
		result.Empty = true
		return result, e.resRepo.RecordEmptySync(ctx, res.ID, e.clock.Now())
	}
	if result.Created+result.Updated == 0 {
		// Only malformed items: nothing persisted, but the sync itself ran.
		return result, e.resRepo.RecordEmptySync(ctx, res.ID, e.clock.Now())
	}
	return result, nil
}

// syncWindow lists newest first down to since. Because the listing runs
// backwards in time, the cursor is only committed with the last batch.
func (e *Engine) syncWindow(ctx context.Context, cred github.Credential, res models.TrackedResource, since time.Time) (Result, error) {
	var result Result
	var newest *time.Time
	seen := false
	q := github.PageQuery{Direction: github.Descending, PageSize: e.batchSize}

	for {
		page, err := e.api.ListPullRequests(ctx, cred, res.Owner, res.Name, q)
		if err != nil {
			return result, err
		}

		inWindow := make([]github.PullRequest, 0, len(page.Items))
		reachedEnd := false
		for _, pr := range page.Items {
			if pr.UpdatedAt.Before(since) {
				reachedEnd = true
				break
			}
			inWindow = append(inWindow, pr)
		}
		if len(inWindow) > 0 || len(page.Errors) > 0 {
			seen = true
		}
		result.Errors += e.logItemErrors(res, page.Errors)

		prs, maxUpdated, failed := e.convert(res, inWindow)
		result.Errors += failed
		if len(prs) > 0 && (newest == nil || maxUpdated.After(*newest)) {
			m := maxUpdated
			newest = &m
		}

		final := reachedEnd || page.NextCursor == ""
		var cursor *time.Time
		if final {
			cursor = newest
		}
		if len(prs) > 0 || (final && cursor != nil) {
			if err := e.apply(ctx, res, prs, cursor, &result); err != nil {
				return result, err
			}
		}

		if final {
			break
		}
		q.Cursor = page.NextCursor
	}

	if !seen || newest == nil {
		result.Empty = !seen
		return result, e.resRepo.RecordEmptySync(ctx, res.ID, e.clock.Now())
	}
	return result, nil
}

type candidate struct {
	number    int
	updatedAt time.Time
}

// syncIncremental reads the activity feed since the cursor, keeps entries
// that are pull requests and refetches each of them in full.
func (e *Engine) syncIncremental(ctx context.Context, cred github.Credential, res models.TrackedResource, since time.Time) (Result, error) {
	candidates, err := e.collectCandidates(ctx, cred, res, since)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if len(candidates) == 0 {
		result.Empty = true
		return result, e.resRepo.RecordEmptySync(ctx, res.ID, e.clock.Now())
	}

	log.Printf("Found %d changed pull requests in %s since %s", len(candidates), res.FullName(), since.Format(time.RFC3339))

	for start := 0; start < len(candidates); start += e.batchSize {
		end := start + e.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		fetched := make([]github.PullRequest, 0, len(batch))
		for _, c := range batch {
			pr, err := e.api.GetPullRequest(ctx, cred, res.Owner, res.Name, c.number)
			if err != nil {
				if isItemFailure(err) {
					result.Errors++
					log.Printf("Warning: skipping %s#%d: %v", res.FullName(), c.number, err)
					continue
				}
				return result, err
			}
			fetched = append(fetched, *pr)
		}

		prs, _, failed := e.convert(res, fetched)
		result.Errors += failed

		// The cursor follows the feed, not the refetched records. It stays put
		// when the next batch starts at the same timestamp, since the feed is
		// read strictly after the cursor.
		var cursor *time.Time
		last := batch[len(batch)-1].updatedAt
		if end == len(candidates) || candidates[end].updatedAt.After(last) {
			cursor = &last
		}
		if err := e.apply(ctx, res, prs, cursor, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) collectCandidates(ctx context.Context, cred github.Credential, res models.TrackedResource, since time.Time) ([]candidate, error) {
	latest := make(map[int]time.Time)
	cursor := ""
	for {
		page, err := e.api.ListActivity(ctx, cred, res.Owner, res.Name, since, cursor)
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Entries {
			// The feed's since is inclusive; the entry at the cursor was
			// already processed.
			if !entry.IsPullRequest || !entry.UpdatedAt.After(since) {
				continue
			}
			if current, ok := latest[entry.Number]; !ok || entry.UpdatedAt.After(current) {
				latest[entry.Number] = entry.UpdatedAt
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	candidates := make([]candidate, 0, len(latest))
	for number, updatedAt := range latest {
		candidates = append(candidates, candidate{number: number, updatedAt: updatedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].updatedAt.Equal(candidates[j].updatedAt) {
			return candidates[i].number < candidates[j].number
		}
		return candidates[i].updatedAt.Before(candidates[j].updatedAt)
	})
	return candidates, nil
}

func (e *Engine) convert(res models.TrackedResource, items []github.PullRequest) ([]models.PullRequest, time.Time, int) {
	prs := make([]models.PullRequest, 0, len(items))
	var maxUpdated time.Time
	failed := 0
	for _, item := range items {
		pr, err := ToModel(res.TenantID, item)
		if err != nil {
			failed++
			log.Printf("Warning: skipping %s#%d: %v", res.FullName(), item.Number, err)
			continue
		}
		if pr.UpstreamUpdatedAt.After(maxUpdated) {
			maxUpdated = pr.UpstreamUpdatedAt
		}
		prs = append(prs, pr)
	}
	return prs, maxUpdated, failed
}

func (e *Engine) apply(ctx context.Context, res models.TrackedResource, prs []models.PullRequest, cursor *time.Time, result *Result) error {
	out, err := e.prRepo.ApplyBatch(ctx, res.ID, prs, cursor, e.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to persist batch for %s: %w", res.FullName(), err)
	}
	result.Created += out.Created
	result.Updated += out.Updated
	return nil
}

func (e *Engine) logItemErrors(res models.TrackedResource, errs []error) int {
	for _, err := range errs {
		log.Printf("Warning: skipping malformed pull request in %s: %v", res.FullName(), err)
	}
	return len(errs)
}

// isItemFailure reports whether a single-record fetch failure should be
// skipped rather than abort the sync.
func isItemFailure(err error) bool {
	return syncerr.CategoryOf(err) == syncerr.Item || syncerr.Is(err, syncerr.CodeNotFound)
}
