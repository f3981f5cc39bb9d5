// Package httpapi is the HTTP surface: the signed webhook endpoint and the
// tenant-authenticated onboarding, run and resource endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/repopulse/internal/pipeline"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/webhook"
)

// Deps are the services the handlers call.
type Deps struct {
	Webhooks     *webhook.Router
	Orchestrator *pipeline.Orchestrator
	Resources    *repository.TrackedResourceRepository
	Integrations *repository.IntegrationRepository
	// Ping checks the database for /ready
	Ping func(ctx context.Context) error
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready, /webhooks/github
// Authenticated: /onboarding, /runs, /resources
func NewRouter(apiKeys map[string]string, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if deps.Ping != nil {
			if err := deps.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	registerWebhookRoutes(r, deps.Webhooks)

	authGroup := r.Group("/")
	authGroup.Use(APIKeyMiddleware(apiKeys))

	registerRunRoutes(authGroup, deps.Orchestrator)
	registerResourceRoutes(authGroup, deps.Resources, deps.Integrations)

	return r
}
