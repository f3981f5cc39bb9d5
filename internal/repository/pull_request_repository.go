package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/repopulse/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchResult counts rows written by one batch.
type BatchResult struct {
	Created int
	Updated int
}

// upsertColumns are replaced on conflict. Enrichment is cleared so a changed
// pull request is annotated again.
var upsertColumns = []string{
	"title", "state", "author", "draft", "base_ref", "head_ref",
	"additions", "deletions", "changed_files",
	"upstream_created_at", "upstream_updated_at", "merged_at", "closed_at",
	"reviews", "commits", "files", "comments",
	"annotations", "enriched_at", "synced_at", "updated_at",
}

type PullRequestRepository struct {
	db *gorm.DB
}

func NewPullRequestRepository(db *gorm.DB) *PullRequestRepository {
	return &PullRequestRepository{db: db}
}

// ApplyBatch persists a batch of pull requests for one resource together with
// the resource's last_sync_at and, when cursor is non-nil, its sync cursor.
// Everything commits or nothing does. The cursor never moves backwards.
func (r *PullRequestRepository) ApplyBatch(ctx context.Context, resourceID string, prs []models.PullRequest, cursor *time.Time, syncedAt time.Time) (BatchResult, error) {
	var out BatchResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := upsertPullRequests(tx, resourceID, prs, syncedAt)
		if err != nil {
			return err
		}
		out = res

		var resource models.TrackedResource
		if err := tx.Where("id = ?", resourceID).First(&resource).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load resource: %w", err)
		}

		updates := map[string]interface{}{
			"last_sync_at": syncedAt.UTC(),
			"updated_at":   time.Now().UTC(),
		}
		if cursor != nil {
			current, ok := resource.CursorTime()
			if !ok || cursor.After(current) {
				updates["sync_cursor"] = models.FormatCursor(*cursor)
			}
		}

		result := tx.Model(&models.TrackedResource{}).Where("id = ?", resourceID).Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to advance sync cursor: %w", result.Error)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return out, nil
}

// Upsert writes pull requests without touching the resource's sync state.
// Used for records delivered directly by webhooks.
func (r *PullRequestRepository) Upsert(ctx context.Context, resourceID string, prs []models.PullRequest, syncedAt time.Time) (BatchResult, error) {
	var out BatchResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := upsertPullRequests(tx, resourceID, prs, syncedAt)
		out = res
		return err
	})
	if err != nil {
		return BatchResult{}, err
	}
	return out, nil
}

// webhookColumns are the fields a webhook payload carries. Sub-resources are
// left alone; the next sync refetches them.
var webhookColumns = []string{
	"title", "state", "author", "draft", "base_ref", "head_ref",
	"additions", "deletions", "changed_files",
	"upstream_created_at", "upstream_updated_at", "merged_at", "closed_at",
	"annotations", "enriched_at", "synced_at", "updated_at",
}

// UpsertFromWebhook writes the scalar fields of a pull request delivered by a
// webhook. A row whose upstream_updated_at is newer than the payload is kept,
// so an out-of-order delivery cannot roll data back. created reports whether a
// new row was inserted.
func (r *PullRequestRepository) UpsertFromWebhook(ctx context.Context, resourceID string, pr models.PullRequest, syncedAt time.Time) (bool, error) {
	var created bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.PullRequest{}).
			Where("resource_id = ? AND number = ?", resourceID, pr.Number).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to query pull request: %w", err)
		}
		created = count == 0

		if pr.ID == "" {
			pr.ID = uuid.New().String()
		}
		pr.ResourceID = resourceID
		pr.SyncedAt = syncedAt.UTC()
		pr.Annotations = nil
		pr.EnrichedAt = nil

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_id"}, {Name: "number"}},
			DoUpdates: clause.AssignmentColumns(webhookColumns),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "pull_requests.upstream_updated_at <= excluded.upstream_updated_at"},
			}},
		}).Create(&pr)
		if result.Error != nil {
			return fmt.Errorf("failed to upsert pull request: %w", result.Error)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func upsertPullRequests(tx *gorm.DB, resourceID string, prs []models.PullRequest, syncedAt time.Time) (BatchResult, error) {
	if len(prs) == 0 {
		return BatchResult{}, nil
	}

	numbers := make([]int, 0, len(prs))
	for i := range prs {
		numbers = append(numbers, prs[i].Number)
	}

	var existing []int
	if err := tx.Model(&models.PullRequest{}).
		Where("resource_id = ? AND number IN ?", resourceID, numbers).
		Pluck("number", &existing).Error; err != nil {
		return BatchResult{}, fmt.Errorf("failed to query existing pull requests: %w", err)
	}
	known := make(map[int]bool, len(existing))
	for _, n := range existing {
		known[n] = true
	}

	var out BatchResult
	rows := make([]models.PullRequest, len(prs))
	for i, pr := range prs {
		if pr.ID == "" {
			pr.ID = uuid.New().String()
		}
		pr.ResourceID = resourceID
		pr.SyncedAt = syncedAt.UTC()
		pr.Annotations = nil
		pr.EnrichedAt = nil
		rows[i] = pr

		if known[pr.Number] {
			out.Updated++
		} else {
			out.Created++
			known[pr.Number] = true
		}
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(&rows)
	if result.Error != nil {
		return BatchResult{}, fmt.Errorf("failed to upsert pull requests: %w", result.Error)
	}
	return out, nil
}

// GetByNumber retrieves one pull request of a resource
func (r *PullRequestRepository) GetByNumber(ctx context.Context, resourceID string, number int) (*models.PullRequest, error) {
	var pr models.PullRequest
	result := r.db.WithContext(ctx).
		Where("resource_id = ? AND number = ?", resourceID, number).
		First(&pr)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pull request: %w", result.Error)
	}
	return &pr, nil
}

// ListUnenriched returns the tenant's pull requests still awaiting annotations,
// oldest first. Rows in exclude (ones the caller already gave up on) are
// skipped.
func (r *PullRequestRepository) ListUnenriched(ctx context.Context, tenantID string, exclude []string, limit int) ([]models.PullRequest, error) {
	var prs []models.PullRequest
	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND enriched_at IS NULL", tenantID)
	if len(exclude) > 0 {
		query = query.Where("id NOT IN ?", exclude)
	}
	result := query.
		Order("upstream_updated_at ASC, id ASC").
		Limit(limit).
		Find(&prs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query unenriched pull requests: %w", result.Error)
	}
	return prs, nil
}

// SetAnnotations stores the enrichment output for a pull request
func (r *PullRequestRepository) SetAnnotations(ctx context.Context, id string, annotations json.RawMessage, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.PullRequest{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"annotations": datatypes.JSON(annotations),
			"enriched_at": at.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to store annotations: %w", result.Error)
	}
	return nil
}

// CountByResource returns how many pull requests are stored for a resource
func (r *PullRequestRepository) CountByResource(ctx context.Context, resourceID string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.PullRequest{}).
		Where("resource_id = ?", resourceID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count pull requests: %w", result.Error)
	}
	return count, nil
}
