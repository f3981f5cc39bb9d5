package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vipul43/repopulse/internal/models"
)

var dbSeq atomic.Int64

// NewDB returns an isolated in-memory database with the full schema applied.
// The pool is capped at one connection, so code under test must use the tx
// handle inside gorm Transaction callbacks.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_foreign_keys=1", name, dbSeq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get test database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&models.Integration{},
		&models.TrackedResource{},
		&models.PullRequest{},
		&models.WebhookDelivery{},
		&models.PipelineRun{},
		&models.PhaseTransition{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_runs_active_tenant ON pipeline_runs (tenant_id) WHERE terminal = false").Error; err != nil {
		t.Fatalf("failed to create active run index: %v", err)
	}

	return db
}

// SeedIntegration inserts an integration for tenantID with the given webhook
// secret and access token.
func SeedIntegration(t testing.TB, db *gorm.DB, tenantID, secret, token string) models.Integration {
	t.Helper()

	integration := models.Integration{
		ID:            "int-" + tenantID,
		TenantID:      tenantID,
		Provider:      "github",
		AccessToken:   &token,
		WebhookSecret: secret,
	}
	if err := db.Create(&integration).Error; err != nil {
		t.Fatalf("failed to seed integration: %v", err)
	}
	return integration
}

// SeedResource inserts an active tracked resource.
func SeedResource(t testing.TB, db *gorm.DB, integration models.Integration, upstreamID, owner, name string) models.TrackedResource {
	t.Helper()

	res := models.TrackedResource{
		ID:            fmt.Sprintf("res-%s-%s", integration.TenantID, upstreamID),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		UpstreamID:    upstreamID,
		Owner:         owner,
		Name:          name,
		Active:        true,
		SyncStatus:    models.SyncStatusPending,
	}
	if err := db.Create(&res).Error; err != nil {
		t.Fatalf("failed to seed resource: %v", err)
	}
	return res
}
