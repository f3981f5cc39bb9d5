package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/syncerr"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PipelineRunRepository struct {
	db *gorm.DB
}

func NewPipelineRunRepository(db *gorm.DB) *PipelineRunRepository {
	return &PipelineRunRepository{db: db}
}

// GetByID retrieves a run with its ordered phase history
func (r *PipelineRunRepository) GetByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	result := r.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).
		First(&run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get pipeline run: %w", result.Error)
	}
	return &run, nil
}

// GetActiveByTenant returns the tenant's non-terminal run, or ErrRunNotFound
func (r *PipelineRunRepository) GetActiveByTenant(ctx context.Context, tenantID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND terminal = ?", tenantID, false).
		First(&run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get active pipeline run: %w", result.Error)
	}
	return &run, nil
}

// CreateOrJoin starts a new queued run for the tenant, or returns the active
// one with joined=true. The partial unique index on (tenant_id) WHERE NOT
// terminal settles concurrent callers: the loser re-reads and joins.
func (r *PipelineRunRepository) CreateOrJoin(ctx context.Context, tenantID string, now time.Time) (*models.PipelineRun, bool, error) {
	if active, err := r.GetActiveByTenant(ctx, tenantID); err == nil {
		return active, true, nil
	} else if !errors.Is(err, ErrRunNotFound) {
		return nil, false, err
	}

	now = now.UTC()
	run := models.PipelineRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Phase:     models.PhaseQueued,
		StartedAt: now,
		UpdatedAt: now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxGen int
		if err := tx.Model(&models.PipelineRun{}).
			Where("tenant_id = ?", tenantID).
			Select("COALESCE(MAX(generation), 0)").
			Scan(&maxGen).Error; err != nil {
			return fmt.Errorf("failed to read run generation: %w", err)
		}
		run.Generation = maxGen + 1

		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		entry := models.PhaseTransition{
			RunID:   run.ID,
			ToPhase: models.PhaseQueued,
			At:      now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to record phase history: %w", err)
		}
		return nil
	})
	if err != nil {
		if active, getErr := r.GetActiveByTenant(ctx, tenantID); getErr == nil {
			return active, true, nil
		}
		return nil, false, fmt.Errorf("failed to create pipeline run: %w", err)
	}
	return &run, false, nil
}

// Transition moves the run from one phase to the next and appends a history
// entry in the same transaction. ErrPhaseMismatch means the run is no longer
// in from, which callers treat as an already-handled task.
func (r *PipelineRunRepository) Transition(ctx context.Context, runID string, from, to models.Phase, now time.Time) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("failed to transition run: %s -> %s is not allowed", from, to)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transitionTx(tx, runID, from, to, nil, now.UTC())
	})
}

func transitionTx(tx *gorm.DB, runID string, from, to models.Phase, code *string, now time.Time) error {
	updates := map[string]interface{}{
		"phase":      to,
		"terminal":   to.IsTerminal(),
		"updated_at": now,
	}
	if to.IsTerminal() {
		updates["finished_at"] = now
	}
	if code != nil {
		updates["error_code"] = *code
	}

	result := tx.Model(&models.PipelineRun{}).
		Where("id = ? AND phase = ? AND terminal = ?", runID, from, false).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update run phase: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPhaseMismatch
	}

	entry := models.PhaseTransition{
		RunID:     runID,
		FromPhase: from,
		ToPhase:   to,
		ErrorCode: code,
		At:        now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record phase history: %w", err)
	}
	return nil
}

// Fail marks a non-terminal run failed with the given error code. It returns
// false when the run was already terminal.
func (r *PipelineRunRepository) Fail(ctx context.Context, runID string, code syncerr.Code, now time.Time) (bool, error) {
	codeStr := string(code)
	for attempt := 0; attempt < 3; attempt++ {
		run, err := r.GetByID(ctx, runID)
		if err != nil {
			return false, err
		}
		if run.Terminal {
			return false, nil
		}

		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return transitionTx(tx, runID, run.Phase, models.PhaseFailed, &codeStr, now.UTC())
		})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrPhaseMismatch) {
			return false, err
		}
		// The run moved between the read and the update; look again.
	}
	return false, fmt.Errorf("failed to fail run %s: phase kept changing", runID)
}

// SetMetrics stores the aggregation output on the run
func (r *PipelineRunRepository) SetMetrics(ctx context.Context, runID string, metrics json.RawMessage) error {
	result := r.db.WithContext(ctx).Model(&models.PipelineRun{}).
		Where("id = ?", runID).
		Update("metrics", datatypes.JSON(metrics))
	if result.Error != nil {
		return fmt.Errorf("failed to store run metrics: %w", result.Error)
	}
	return nil
}

// ListStale returns active runs that have not moved since before
func (r *PipelineRunRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	result := r.db.WithContext(ctx).
		Where("terminal = ? AND updated_at < ?", false, before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query stale runs: %w", result.Error)
	}
	return runs, nil
}

// Touch bumps updated_at so stale reconciliation leaves the run alone
func (r *PipelineRunRepository) Touch(ctx context.Context, runID string, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.PipelineRun{}).
		Where("id = ? AND terminal = ?", runID, false).
		Update("updated_at", now.UTC())
	if result.Error != nil {
		return fmt.Errorf("failed to touch run: %w", result.Error)
	}
	return nil
}
