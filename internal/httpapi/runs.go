package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/pipeline"
	"github.com/vipul43/repopulse/internal/repository"
	"github.com/vipul43/repopulse/internal/syncerr"
)

type transitionResponse struct {
	From      models.Phase `json:"from,omitempty"`
	To        models.Phase `json:"to"`
	ErrorCode *string      `json:"error_code,omitempty"`
	At        time.Time    `json:"at"`
}

type runResponse struct {
	ID         string               `json:"id"`
	Generation int                  `json:"generation"`
	Phase      models.Phase         `json:"phase"`
	Terminal   bool                 `json:"terminal"`
	Joined     bool                 `json:"joined,omitempty"`
	ErrorCode  *string              `json:"error_code,omitempty"`
	Error      *string              `json:"error,omitempty"`
	Metrics    json.RawMessage      `json:"metrics,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	History    []transitionResponse `json:"history,omitempty"`
}

// toRunResponse renders a run. Only the sanitized message for the error code
// is exposed.
func toRunResponse(run *models.PipelineRun) runResponse {
	out := runResponse{
		ID:         run.ID,
		Generation: run.Generation,
		Phase:      run.Phase,
		Terminal:   run.Terminal,
		ErrorCode:  run.ErrorCode,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.ErrorCode != nil {
		msg := syncerr.Message(syncerr.Code(*run.ErrorCode))
		out.Error = &msg
	}
	if len(run.Metrics) > 0 {
		out.Metrics = json.RawMessage(run.Metrics)
	}
	for _, h := range run.History {
		out.History = append(out.History, transitionResponse{From: h.FromPhase, To: h.ToPhase, ErrorCode: h.ErrorCode, At: h.At})
	}
	return out
}

// registerRunRoutes registers the onboarding and run endpoints.
//
// POST /onboarding        starts a run, or joins the active one
// GET  /runs/:id          run status with phase history
// POST /runs/:id/cancel   marks the run failed with the cancelled code
func registerRunRoutes(r gin.IRoutes, orch *pipeline.Orchestrator) {
	r.POST("/onboarding", func(c *gin.Context) {
		tenantID := TenantID(c)

		run, joined, err := orch.Onboard(c.Request.Context(), tenantID)
		if err != nil {
			log.Printf("Error onboarding tenant %s: %v", tenantID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start onboarding"})
			return
		}

		resp := toRunResponse(run)
		resp.Joined = joined
		status := http.StatusAccepted
		if joined {
			status = http.StatusOK
		}
		c.JSON(status, resp)
	})

	r.GET("/runs/:id", func(c *gin.Context) {
		run, ok := loadTenantRun(c, orch)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, toRunResponse(run))
	})

	r.POST("/runs/:id/cancel", func(c *gin.Context) {
		run, ok := loadTenantRun(c, orch)
		if !ok {
			return
		}

		cancelled, err := orch.Cancel(c.Request.Context(), run.ID)
		if err != nil {
			log.Printf("Error cancelling run %s: %v", run.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel run"})
			return
		}
		if !cancelled {
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
			return
		}

		run, err = orch.Run(c.Request.Context(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
			return
		}
		c.JSON(http.StatusOK, toRunResponse(run))
	})
}

// loadTenantRun fetches the run named in the path and hides runs of other
// tenants behind 404.
func loadTenantRun(c *gin.Context, orch *pipeline.Orchestrator) (*models.PipelineRun, bool) {
	run, err := orch.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return nil, false
		}
		log.Printf("Error loading run %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return nil, false
	}
	if run.TenantID != TenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return nil, false
	}
	return run, true
}
