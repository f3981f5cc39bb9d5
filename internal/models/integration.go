package models

import "time"

// Integration is a tenant's connection to the code host. It owns the access
// credential consumed by the API client and the shared secret used to sign
// webhook deliveries for every resource the tenant tracks.
type Integration struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	TenantID             string     `gorm:"column:tenant_id;uniqueIndex"`
	Provider             string     `gorm:"column:provider"`
	AccessToken          *string    `gorm:"column:access_token"`
	RefreshToken         *string    `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time `gorm:"column:access_token_expires_at"`
	WebhookSecret        string     `gorm:"column:webhook_secret"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Integration) TableName() string {
	return "integrations"
}
