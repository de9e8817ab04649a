package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/pkg/response"
)

// SyncHandler triggers and reports on synchronization
type SyncHandler struct {
	service *service.SyncService
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(service *service.SyncService) *SyncHandler {
	return &SyncHandler{service: service}
}

// RunSync handles POST /api/v1/sync
func (h *SyncHandler) RunSync(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		fail(c, "Sync pass failed", err)
		return
	}
	response.Success(c, report)
}

// GetSyncStatus handles GET /api/v1/sync
func (h *SyncHandler) GetSyncStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context())
	if err != nil {
		response.InternalError(c, "Failed to get sync status", err)
		return
	}
	response.Success(c, status)
}
