package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/repopulse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookDeliveryRepository struct {
	db *gorm.DB
}

func NewWebhookDeliveryRepository(db *gorm.DB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

// Seen reports whether deliveryID was recorded and has not expired
func (r *WebhookDeliveryRepository) Seen(ctx context.Context, deliveryID string, now time.Time) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("delivery_id = ? AND expires_at > ?", deliveryID, now.UTC()).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check delivery: %w", result.Error)
	}
	return count > 0, nil
}

// Claim records deliveryID until now+ttl. It returns false when an unexpired
// record already exists, in which case the caller lost the race and must treat
// the delivery as a duplicate. The primary key on delivery_id is what makes
// this safe across concurrent requests.
func (r *WebhookDeliveryRepository) Claim(ctx context.Context, deliveryID, tenantID, event string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	delivery := models.WebhookDelivery{
		DeliveryID: deliveryID,
		TenantID:   tenantID,
		Event:      event,
		ReceivedAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	inserted := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&delivery)
	if inserted.Error != nil {
		return false, fmt.Errorf("failed to record delivery: %w", inserted.Error)
	}
	if inserted.RowsAffected == 1 {
		return true, nil
	}

	// An expired record may be taken over.
	reclaimed := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("delivery_id = ? AND expires_at <= ?", deliveryID, now).
		Updates(map[string]interface{}{
			"tenant_id":   tenantID,
			"event":       event,
			"received_at": now,
			"expires_at":  delivery.ExpiresAt,
		})
	if reclaimed.Error != nil {
		return false, fmt.Errorf("failed to reclaim delivery: %w", reclaimed.Error)
	}
	return reclaimed.RowsAffected == 1, nil
}

// PurgeExpired deletes delivery records that can no longer be replayed
func (r *WebhookDeliveryRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&models.WebhookDelivery{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge expired deliveries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
