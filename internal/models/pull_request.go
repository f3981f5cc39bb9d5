package models

import (
	"time"

	"gorm.io/datatypes"
)

// PullRequest is a synced pull request with its sub-resources. Reviews,
// commits, files and comments are stored as fetched; they are always
// replaced wholesale on resync.
type PullRequest struct {
	ID                string         `gorm:"column:id;primaryKey"`
	TenantID          string         `gorm:"column:tenant_id;index"`
	ResourceID        string         `gorm:"column:resource_id;uniqueIndex:idx_pull_requests_resource_number"`
	Number            int            `gorm:"column:number;uniqueIndex:idx_pull_requests_resource_number;check:number > 0"`
	Title             string         `gorm:"column:title"`
	State             string         `gorm:"column:state"`
	Author            string         `gorm:"column:author"`
	Draft             bool           `gorm:"column:draft"`
	BaseRef           string         `gorm:"column:base_ref"`
	HeadRef           string         `gorm:"column:head_ref"`
	Additions         int            `gorm:"column:additions"`
	Deletions         int            `gorm:"column:deletions"`
	ChangedFiles      int            `gorm:"column:changed_files"`
	UpstreamCreatedAt time.Time      `gorm:"column:upstream_created_at"`
	UpstreamUpdatedAt time.Time      `gorm:"column:upstream_updated_at;index"`
	MergedAt          *time.Time     `gorm:"column:merged_at"`
	ClosedAt          *time.Time     `gorm:"column:closed_at"`
	Reviews           datatypes.JSON `gorm:"column:reviews"`
	Commits           datatypes.JSON `gorm:"column:commits"`
	Files             datatypes.JSON `gorm:"column:files"`
	Comments          datatypes.JSON `gorm:"column:comments"`
	Annotations       datatypes.JSON `gorm:"column:annotations"`
	EnrichedAt        *time.Time     `gorm:"column:enriched_at"`
	SyncedAt          time.Time      `gorm:"column:synced_at"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (PullRequest) TableName() string {
	return "pull_requests"
}
