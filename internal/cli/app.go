package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/vipul43/repopulse/internal/aggregation"
	"github.com/vipul43/repopulse/internal/config"
	"github.com/vipul43/repopulse/internal/credentials"
	"github.com/vipul43/repopulse/internal/database"
	"github.com/vipul43/repopulse/internal/enrichment"
	"github.com/vipul43/repopulse/internal/github"
	"github.com/vipul43/repopulse/internal/pipeline"
	"github.com/vipul43/repopulse/internal/queue"
	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncer"
	"github.com/vipul43/repopulse/internal/watcher"
	"github.com/vipul43/repopulse/internal/webhook"
)

// app holds every wired component. Commands take what they need.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	tasks queue.Queue

	integrations *repository.IntegrationRepository
	resources    *repository.TrackedResourceRepository
	runs         *repository.PipelineRunRepository
	deliveries   *repository.WebhookDeliveryRepository

	orchestrator *pipeline.Orchestrator
	webhooks     *webhook.Router
}

// newApp loads configuration, connects and migrates the database and builds
// the service graph.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Println("Database connected successfully")

	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}

	tasks, err := queue.BuildFromDSN(ctx, cfg.QueueURL)
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to build task queue: %w", err)
	}

	integrationRepo := repository.NewIntegrationRepository(db)
	resourceRepo := repository.NewTrackedResourceRepository(db)
	runRepo := repository.NewPipelineRunRepository(db)
	prRepo := repository.NewPullRequestRepository(db)
	deliveryRepo := repository.NewWebhookDeliveryRepository(db)

	policy := ratelimit.DefaultPolicy().WithMaxAttempts(cfg.MaxRetries)

	// Initialize code host client
	ghClient := github.NewClient(cfg.GitHubAPIURL, ratelimit.NewTracker(), policy)
	ghClient.SetThreshold(cfg.RateLimitThreshold)
	ghClient.SetRequestTimeout(time.Duration(cfg.RequestTimeout) * time.Second)

	creds := credentials.NewProvider(integrationRepo, cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubTokenURL)
	engine := syncer.NewEngine(ghClient, creds, prRepo, resourceRepo)

	var enricher pipeline.Enricher
	if cfg.EnrichmentURL != "" {
		client := enrichment.NewClient(cfg.EnrichmentURL, cfg.EnrichmentAPIKey)
		if cfg.EnrichmentModel != "" {
			client.SetModel(cfg.EnrichmentModel)
		}
		enricher = client
	}

	var aggregator pipeline.Aggregator
	if cfg.AggregationURL != "" {
		aggregator = aggregation.NewClient(cfg.AggregationURL)
	}

	orch := pipeline.NewOrchestrator(runRepo, resourceRepo, prRepo, engine, enricher, aggregator, tasks, pipeline.Config{
		Phase1Window:    time.Duration(cfg.Phase1WindowDays) * 24 * time.Hour,
		Phase2Window:    time.Duration(cfg.Phase2WindowDays) * 24 * time.Hour,
		EnrichBatchSize: pipeline.DefaultEnrichBatchSize,
	})

	router := webhook.NewRouter(deliveryRepo, resourceRepo, integrationRepo, webhook.NewEventApplier(prRepo, tasks))
	router.SetLimits(cfg.WebhookMaxBytes, time.Duration(cfg.WebhookDeliveryTTL)*time.Second)

	return &app{
		cfg:          cfg,
		db:           db,
		tasks:        tasks,
		integrations: integrationRepo,
		resources:    resourceRepo,
		runs:         runRepo,
		deliveries:   deliveryRepo,
		orchestrator: orch,
		webhooks:     router,
	}, nil
}

func (a *app) newWatcher() *watcher.Watcher {
	return watcher.New(a.cfg, a.tasks, a.orchestrator, a.orchestrator, a.resources, a.deliveries)
}

// ping checks the database connection
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) close() {
	if err := a.tasks.Close(); err != nil {
		log.Printf("Error closing task queue: %v", err)
	}
	if err := database.Close(a.db); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}
