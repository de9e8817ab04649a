package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/pkg/response"
)

// EventHandler handles HTTP requests for movement events
type EventHandler struct {
	service *service.TripService
}

// NewEventHandler creates a new event handler
func NewEventHandler(service *service.TripService) *EventHandler {
	return &EventHandler{service: service}
}

// GetEvents handles GET /api/v1/events
func (h *EventHandler) GetEvents(c *gin.Context) {
	var filter models.EventFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	events, err := h.service.GetEvents(c.Request.Context(), filter)
	if err != nil {
		response.InternalError(c, "Failed to get movement events", err)
		return
	}
	if events == nil {
		events = []models.MovementEvent{}
	}
	response.Success(c, gin.H{
		"data":  events,
		"count": len(events),
	})
}
