package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/repopulse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IntegrationRepository struct {
	db *gorm.DB
}

func NewIntegrationRepository(db *gorm.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// GetByID retrieves an integration by ID
func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	var integration models.Integration
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&integration)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", result.Error)
	}
	return &integration, nil
}

// GetByTenantID retrieves the integration owned by a tenant
func (r *IntegrationRepository) GetByTenantID(ctx context.Context, tenantID string) (*models.Integration, error) {
	var integration models.Integration
	result := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&integration)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get integration for tenant: %w", result.Error)
	}
	return &integration, nil
}

// GetByIDs retrieves integrations keyed by ID. Missing IDs are simply absent.
func (r *IntegrationRepository) GetByIDs(ctx context.Context, ids []string) (map[string]models.Integration, error) {
	out := make(map[string]models.Integration, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var integrations []models.Integration
	result := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&integrations)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", result.Error)
	}
	for _, integration := range integrations {
		out[integration.ID] = integration
	}
	return out, nil
}

// Save creates the tenant's integration or replaces its credentials and
// webhook secret. integration is reloaded with the stored row.
func (r *IntegrationRepository) Save(ctx context.Context, integration *models.Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	integration.UpdatedAt = now
	if integration.CreatedAt.IsZero() {
		integration.CreatedAt = now
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "access_token", "refresh_token", "access_token_expires_at", "webhook_secret", "updated_at",
		}),
	}).Create(integration)
	if result.Error != nil {
		return fmt.Errorf("failed to save integration: %w", result.Error)
	}

	var stored models.Integration
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", integration.TenantID).First(&stored).Error; err != nil {
		return fmt.Errorf("failed to reload integration: %w", err)
	}
	*integration = stored
	return nil
}

// UpdateTokens stores a refreshed access credential
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id string, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	updates := map[string]interface{}{
		"access_token":            accessToken,
		"access_token_expires_at": expiresAt,
		"updated_at":              time.Now().UTC(),
	}
	if refreshToken != nil && *refreshToken != "" {
		updates["refresh_token"] = *refreshToken
	}

	result := r.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update integration tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
