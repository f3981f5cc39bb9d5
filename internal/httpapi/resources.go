package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/repository"
)

type trackRequest struct {
	UpstreamID  string `json:"upstream_id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type resourceResponse struct {
	ID            string            `json:"id"`
	UpstreamID    string            `json:"upstream_id"`
	FullName      string            `json:"full_name"`
	DisplayName   string            `json:"display_name,omitempty"`
	Active        bool              `json:"active"`
	SyncStatus    models.SyncStatus `json:"sync_status"`
	LastSyncAt    *time.Time        `json:"last_sync_at,omitempty"`
	LastSyncError *string           `json:"last_sync_error,omitempty"`
}

func toResourceResponse(res models.TrackedResource) resourceResponse {
	return resourceResponse{
		ID:            res.ID,
		UpstreamID:    res.UpstreamID,
		FullName:      res.FullName(),
		DisplayName:   res.DisplayName,
		Active:        res.Active,
		SyncStatus:    res.SyncStatus,
		LastSyncAt:    res.LastSyncAt,
		LastSyncError: res.LastSyncError,
	}
}

// registerResourceRoutes registers tracking opt-in.
//
// GET    /resources      active resources of the tenant
// POST   /resources      track a repository (reactivates a deactivated one)
// DELETE /resources/:id  stop tracking (soft)
func registerResourceRoutes(r gin.IRoutes, resources *repository.TrackedResourceRepository, integrations *repository.IntegrationRepository) {
	r.GET("/resources", func(c *gin.Context) {
		list, err := resources.ListActiveByTenant(c.Request.Context(), TenantID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list resources"})
			return
		}
		out := make([]resourceResponse, 0, len(list))
		for _, res := range list {
			out = append(out, toResourceResponse(res))
		}
		c.JSON(http.StatusOK, gin.H{"resources": out})
	})

	r.POST("/resources", func(c *gin.Context) {
		tenantID := TenantID(c)

		var req trackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		req.UpstreamID = strings.TrimSpace(req.UpstreamID)
		if req.UpstreamID == "" || req.Owner == "" || req.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upstream_id, owner and name required"})
			return
		}

		integration, err := integrations.GetByTenantID(c.Request.Context(), tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusConflict, gin.H{"error": "integration not connected"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load integration"})
			return
		}

		res := models.TrackedResource{
			TenantID:      tenantID,
			IntegrationID: integration.ID,
			UpstreamID:    req.UpstreamID,
			Owner:         req.Owner,
			Name:          req.Name,
			DisplayName:   req.DisplayName,
		}
		if err := resources.Track(c.Request.Context(), &res); err != nil {
			log.Printf("Error tracking resource for tenant %s: %v", tenantID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to track resource"})
			return
		}
		c.JSON(http.StatusCreated, toResourceResponse(res))
	})

	r.DELETE("/resources/:id", func(c *gin.Context) {
		err := resources.Deactivate(c.Request.Context(), TenantID(c), c.Param("id"))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate resource"})
			return
		}
		c.Status(http.StatusNoContent)
	})
}
