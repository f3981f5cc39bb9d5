package models

import "time"

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"  // Tracked, never synced
	SyncStatusSyncing  SyncStatus = "syncing"  // A task currently owns the resource
	SyncStatusComplete SyncStatus = "complete" // Last sync finished
	SyncStatusError    SyncStatus = "error"    // Last sync failed, see LastSyncError
)

// TrackedResource is one upstream repository a tenant opted in to track.
// The same UpstreamID may appear once per tenant.
type TrackedResource struct {
	ID            string     `gorm:"column:id;primaryKey"`
	TenantID      string     `gorm:"column:tenant_id;uniqueIndex:idx_tracked_resources_tenant_upstream"`
	IntegrationID string     `gorm:"column:integration_id;index"`
	UpstreamID    string     `gorm:"column:upstream_id;uniqueIndex:idx_tracked_resources_tenant_upstream;index:idx_tracked_resources_upstream"`
	Owner         string     `gorm:"column:owner"`
	Name          string     `gorm:"column:name"`
	DisplayName   string     `gorm:"column:display_name"`
	Active        bool       `gorm:"column:active;index"`
	LastSyncAt    *time.Time `gorm:"column:last_sync_at"`
	SyncCursor    *string    `gorm:"column:sync_cursor"`
	SyncStatus    SyncStatus `gorm:"column:sync_status;index"`
	SyncTaskID    *string    `gorm:"column:sync_task_id"`
	LastSyncError *string    `gorm:"column:last_sync_error"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (TrackedResource) TableName() string {
	return "tracked_resources"
}

// FullName returns "owner/name".
func (r TrackedResource) FullName() string {
	return r.Owner + "/" + r.Name
}

// CursorTime parses SyncCursor. ok is false when there is no usable cursor.
func (r TrackedResource) CursorTime() (time.Time, bool) {
	if r.SyncCursor == nil || *r.SyncCursor == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *r.SyncCursor)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatCursor renders a cursor value.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
