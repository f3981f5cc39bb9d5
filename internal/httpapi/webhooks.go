package httpapi

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/repopulse/internal/syncerr"
	"github.com/vipul43/repopulse/internal/webhook"
)

const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// registerWebhookRoutes registers POST /webhooks/github.
//
// The body is never echoed and the response never names a tenant:
// 200 {status, event} for accepted and duplicate deliveries, 401 when no
// tracked resource's secret matches, 413 when the payload is too large.
func registerWebhookRoutes(r gin.IRoutes, router *webhook.Router) {
	r.POST("/webhooks/github", func(c *gin.Context) {
		event := c.GetHeader(HeaderEvent)

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(router.MaxBytes())))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		result, err := router.Route(c.Request.Context(), event, body, c.GetHeader(HeaderSignature), c.GetHeader(HeaderDelivery))
		if err != nil {
			if syncerr.Is(err, syncerr.CodePayloadTooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
				return
			}
			log.Printf("Error routing %s webhook: %v", event, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if result.Outcome == webhook.OutcomeUnauthorized {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": string(result.Outcome), "event": event})
	})
}
