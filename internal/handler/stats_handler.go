package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/pkg/response"
)

// StatsHandler handles HTTP requests for statistics and daemon status
type StatsHandler struct {
	trips  *service.TripService
	status *service.StatusService
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(trips *service.TripService, status *service.StatusService) *StatsHandler {
	return &StatsHandler{
		trips:  trips,
		status: status,
	}
}

// GetTodayStats handles GET /api/v1/stats/today
func (h *StatsHandler) GetTodayStats(c *gin.Context) {
	stats, err := h.trips.TodayStats(c.Request.Context())
	if err != nil {
		response.InternalError(c, "Failed to get today's statistics", err)
		return
	}
	response.Success(c, stats)
}

// GetStatus handles GET /api/v1/status
func (h *StatsHandler) GetStatus(c *gin.Context) {
	status, err := h.status.Status(c.Request.Context())
	if err != nil {
		fail(c, "Failed to get status", err)
		return
	}
	response.Success(c, status)
}
