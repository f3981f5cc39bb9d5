package models

import "time"

// WebhookDelivery records a processed delivery id until ExpiresAt.
type WebhookDelivery struct {
	DeliveryID string    `gorm:"column:delivery_id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id"`
	Event      string    `gorm:"column:event"`
	ReceivedAt time.Time `gorm:"column:received_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at;index"`
}

// TableName specifies the table name for GORM
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
