package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/syncerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TrackedResourceRepository struct {
	db *gorm.DB
}

func NewTrackedResourceRepository(db *gorm.DB) *TrackedResourceRepository {
	return &TrackedResourceRepository{db: db}
}

// GetByID retrieves a tracked resource by ID
func (r *TrackedResourceRepository) GetByID(ctx context.Context, id string) (*models.TrackedResource, error) {
	var res models.TrackedResource
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&res)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tracked resource: %w", result.Error)
	}
	return &res, nil
}

// ListActiveByUpstreamID returns every active row referencing the upstream
// resource. Several tenants may track the same upstream resource, so callers
// must treat the result as a candidate set.
func (r *TrackedResourceRepository) ListActiveByUpstreamID(ctx context.Context, upstreamID string) ([]models.TrackedResource, error) {
	var resources []models.TrackedResource
	result := r.db.WithContext(ctx).
		Where("upstream_id = ? AND active = ?", upstreamID, true).
		Order("created_at ASC").
		Find(&resources)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query resources by upstream id: %w", result.Error)
	}
	return resources, nil
}

// ListActiveByTenant returns the tenant's active resources
func (r *TrackedResourceRepository) ListActiveByTenant(ctx context.Context, tenantID string) ([]models.TrackedResource, error) {
	var resources []models.TrackedResource
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("created_at ASC").
		Find(&resources)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query tenant resources: %w", result.Error)
	}
	return resources, nil
}

// Track opts a tenant in to a resource. Tracking an already known resource
// reactivates it and keeps its cursor.
func (r *TrackedResourceRepository) Track(ctx context.Context, res *models.TrackedResource) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.SyncStatus == "" {
		res.SyncStatus = models.SyncStatusPending
	}
	res.Active = true

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "upstream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "name", "display_name", "integration_id", "active", "updated_at"}),
	}).Create(res)
	if result.Error != nil {
		return fmt.Errorf("failed to track resource: %w", result.Error)
	}

	// The row may have existed under another ID.
	var stored models.TrackedResource
	reload := r.db.WithContext(ctx).
		Where("tenant_id = ? AND upstream_id = ?", res.TenantID, res.UpstreamID).
		First(&stored)
	if reload.Error != nil {
		return fmt.Errorf("failed to reload tracked resource: %w", reload.Error)
	}
	*res = stored
	return nil
}

// Deactivate soft-deletes a tenant's resource
func (r *TrackedResourceRepository) Deactivate(ctx context.Context, tenantID, id string) error {
	result := r.db.WithContext(ctx).Model(&models.TrackedResource{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate resource: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSyncing hands ownership of the resource to taskID. It fails with
// ErrResourceBusy when a different task already owns it.
func (r *TrackedResourceRepository) MarkSyncing(ctx context.Context, id, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("failed to mark resource syncing: task id is required")
	}

	result := r.db.WithContext(ctx).Model(&models.TrackedResource{}).
		Where("id = ? AND (sync_status <> ? OR sync_task_id = ?)", id, models.SyncStatusSyncing, taskID).
		Updates(map[string]interface{}{
			"sync_status":  models.SyncStatusSyncing,
			"sync_task_id": taskID,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark resource syncing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResourceBusy
	}
	return nil
}

// MarkComplete releases the resource after a successful sync. It fails with
// ErrResourceBusy, changing nothing, when taskID no longer owns it.
func (r *TrackedResourceRepository) MarkComplete(ctx context.Context, id, taskID string) error {
	result := r.db.WithContext(ctx).Model(&models.TrackedResource{}).
		Where("id = ? AND sync_task_id = ?", id, taskID).
		Updates(map[string]interface{}{
			"sync_status":     models.SyncStatusComplete,
			"sync_task_id":    nil,
			"last_sync_error": nil,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark resource complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResourceBusy
	}
	return nil
}

// MarkError releases the resource owned by taskID and records the sanitized
// message for cause. The raw error is never stored. Like MarkComplete it fails
// with ErrResourceBusy when taskID is not the owner.
func (r *TrackedResourceRepository) MarkError(ctx context.Context, id, taskID string, cause error) error {
	msg := syncerr.SanitizedMessage(cause)
	result := r.db.WithContext(ctx).Model(&models.TrackedResource{}).
		Where("id = ? AND sync_task_id = ?", id, taskID).
		Updates(map[string]interface{}{
			"sync_status":     models.SyncStatusError,
			"sync_task_id":    nil,
			"last_sync_error": msg,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark resource error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResourceBusy
	}
	return nil
}

// RecordEmptySync advances last_sync_at when a sync found no activity.
func (r *TrackedResourceRepository) RecordEmptySync(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.TrackedResource{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_sync_at": at.UTC(),
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record empty sync: %w", result.Error)
	}
	return nil
}

// SweepStale moves resources stuck in syncing since before olderThan to
// error. Returns how many rows were reconciled.
func (r *TrackedResourceRepository) SweepStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.TrackedResource{}).
		Where("sync_status = ? AND updated_at < ?", models.SyncStatusSyncing, olderThan.UTC()).
		Updates(map[string]interface{}{
			"sync_status":     models.SyncStatusError,
			"sync_task_id":    nil,
			"last_sync_error": syncerr.Message(syncerr.CodeInterrupted),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep stale resources: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListDueForSync returns active, idle resources not synced since before.
// Never-synced resources come first, then the least recently synced.
func (r *TrackedResourceRepository) ListDueForSync(ctx context.Context, before time.Time, limit int) ([]models.TrackedResource, error) {
	var resources []models.TrackedResource
	result := r.db.WithContext(ctx).
		Where("active = ? AND sync_status <> ?", true, models.SyncStatusSyncing).
		Where("(last_sync_at IS NULL OR last_sync_at < ?)", before.UTC()).
		Order("last_sync_at ASC NULLS FIRST").
		Limit(limit).
		Find(&resources)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query resources due for sync: %w", result.Error)
	}
	return resources, nil
}
