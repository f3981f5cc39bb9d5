package webhook

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncerr"
	"github.com/vipul43/repopulse/internal/testutil"
)

type fixture struct {
	db     *gorm.DB
	router *Router
	tasks  *queue.MemoryQueue
	prRepo *repository.PullRequestRepository
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	tasks := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = tasks.Close() })
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	prRepo := repository.NewPullRequestRepository(db)
	applier := NewEventApplier(prRepo, tasks)
	applier.SetClock(clock)
	router := NewRouter(
		repository.NewWebhookDeliveryRepository(db),
		repository.NewTrackedResourceRepository(db),
		repository.NewIntegrationRepository(db),
		applier,
	)
	router.SetClock(clock)

	return &fixture{db: db, router: router, tasks: tasks, prRepo: prRepo, clock: clock}
}

func pullRequestEvent(repoID string, number int, title string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": "edited",
		"repository": {"id": %s, "full_name": "acme/api"},
		"pull_request": {
			"number": %d,
			"title": %q,
			"state": "open",
			"user": {"login": "octo"},
			"base": {"ref": "main"},
			"head": {"ref": "feature"},
			"created_at": "2024-02-01T00:00:00Z",
			"updated_at": "2024-02-02T00:00:00Z"
		}
	}`, repoID, number, title))
}

func TestRoute_IdempotentDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret-a", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	payload := pullRequestEvent("1001", 12, "first")
	sig := SignatureHeader([]byte("secret-a"), payload)

	got, err := f.router.Route(ctx, EventPullRequest, payload, sig, "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, got.Outcome)
	assert.Equal(t, "tenant-a", got.TenantID)

	stored, err := f.prRepo.GetByNumber(ctx, res.ID, 12)
	require.NoError(t, err)
	firstUpdate := stored.UpdatedAt

	got, err = f.router.Route(ctx, EventPullRequest, payload, sig, "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, got.Outcome)
	assert.Empty(t, got.TenantID)

	stored, err = f.prRepo.GetByNumber(ctx, res.ID, 12)
	require.NoError(t, err)
	assert.Equal(t, firstUpdate, stored.UpdatedAt, "duplicate must not touch tenant data")

	count, err := f.prRepo.CountByResource(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRoute_DisambiguatesAcrossTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resources := map[string]models.TrackedResource{}
	for _, tenant := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		integration := testutil.SeedIntegration(t, f.db, tenant, "secret-"+tenant, "token")
		resources[tenant] = testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	}

	payload := pullRequestEvent("1001", 3, "from b")
	got, err := f.router.Route(ctx, EventPullRequest, payload, SignatureHeader([]byte("secret-tenant-b"), payload), "delivery-b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, got.Outcome)
	assert.Equal(t, "tenant-b", got.TenantID)

	for tenant, res := range resources {
		count, err := f.prRepo.CountByResource(ctx, res.ID)
		require.NoError(t, err)
		if tenant == "tenant-b" {
			assert.Equal(t, int64(1), count, tenant)
		} else {
			assert.Equal(t, int64(0), count, tenant)
		}
	}
}

func TestRoute_UnknownSecretIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret-a", "token")
	testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	payload := pullRequestEvent("1001", 1, "x")
	for name, sig := range map[string]string{
		"wrong secret":   SignatureHeader([]byte("guess"), payload),
		"missing prefix": strings.TrimPrefix(SignatureHeader([]byte("secret-a"), payload), "sha256="),
		"not hex":        "sha256=zz",
		"empty":          "",
	} {
		got, err := f.router.Route(ctx, EventPullRequest, payload, sig, "delivery-"+name)
		require.NoError(t, err, name)
		assert.Equal(t, OutcomeUnauthorized, got.Outcome, name)
		assert.Empty(t, got.TenantID, name)
	}

	// Unauthorized deliveries are not recorded, so a correctly signed retry
	// with the same id still goes through.
	got, err := f.router.Route(ctx, EventPullRequest, payload, SignatureHeader([]byte("secret-a"), payload), "delivery-wrong secret")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, got.Outcome)
}

func TestRoute_UntrackedOrInactiveResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret-a", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")
	require.NoError(t, repository.NewTrackedResourceRepository(f.db).Deactivate(ctx, "tenant-a", res.ID))

	payload := pullRequestEvent("1001", 1, "x")
	got, err := f.router.Route(ctx, EventPullRequest, payload, SignatureHeader([]byte("secret-a"), payload), "d-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, got.Outcome)

	payload = []byte(`{"zen":"no repository"}`)
	got, err = f.router.Route(ctx, EventPing, payload, SignatureHeader([]byte("secret-a"), payload), "d-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, got.Outcome)
}

func TestRoute_RejectsOversizedPayloadBeforeVerifying(t *testing.T) {
	f := newFixture(t)
	f.router.SetLimits(64, 0)

	payload := []byte(`{"repository":{"id":1001},"padding":"` + strings.Repeat("x", 128) + `"}`)
	_, err := f.router.Route(context.Background(), EventPush, payload, "sha256=00", "d-big")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.CodePayloadTooLarge))
}

func TestRoute_MissingDeliveryID(t *testing.T) {
	f := newFixture(t)
	got, err := f.router.Route(context.Background(), EventPing, []byte(`{}`), "", " ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, got.Outcome)
}

func TestRoute_ReviewEventSchedulesTargetedSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret-a", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	payload := []byte(`{"action":"submitted","repository":{"id":1001},"review":{"id":5}}`)
	sig := SignatureHeader([]byte("secret-a"), payload)
	for _, id := range []string{"r-1", "r-2"} {
		got, err := f.router.Route(ctx, "pull_request_review", payload, sig, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, got.Outcome)
	}

	pending := f.tasks.Pending()
	require.Len(t, pending, 1, "queued syncs for one resource collapse")
	assert.Equal(t, queue.KindResourceSync, pending[0].Kind)
	assert.Equal(t, res.ID, pending[0].ResourceID)
	assert.Equal(t, "tenant-a", pending[0].TenantID)
}

func TestRoute_MalformedPullRequestFallsBackToSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret-a", "token")
	res := testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	payload := []byte(`{"repository":{"id":1001},"pull_request":{"number":0}}`)
	got, err := f.router.Route(ctx, EventPullRequest, payload, SignatureHeader([]byte("secret-a"), payload), "d-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, got.Outcome)

	pending := f.tasks.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, res.ID, pending[0].ResourceID)
}

func TestRoute_ExpiredDeliveryIsProcessedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.SetLimits(0, time.Hour)
	integration := testutil.SeedIntegration(t, f.db, "tenant-a", "secret-a", "token")
	testutil.SeedResource(t, f.db, integration, "1001", "acme", "api")

	payload := []byte(`{"zen":"hi","repository":{"id":1001}}`)
	sig := SignatureHeader([]byte("secret-a"), payload)

	got, err := f.router.Route(ctx, EventPing, payload, sig, "d-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, got.Outcome)

	f.clock.Advance(2 * time.Hour)
	got, err = f.router.Route(ctx, EventPing, payload, sig, "d-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, got.Outcome)
}
