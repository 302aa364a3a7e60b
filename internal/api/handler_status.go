package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendance-agent/internal/scheduler"
)

// statusResponse flattens the scheduler snapshot with the connectivity state.
type statusResponse struct {
	scheduler.Status
	Online     bool `json:"online"`
	QueueDepth int  `json:"queue_depth"`
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(c *gin.Context) {
	depth, err := h.queue.Len(c.Request.Context())
	if err != nil {
		h.logger.Sugar().Errorw("failed to read offline queue", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to read offline queue"})
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Status:     h.status.Status(),
		Online:     h.queue.IsOnline(c.Request.Context()),
		QueueDepth: depth,
	})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
