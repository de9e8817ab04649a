package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/pathcorrection"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/pkg/response"
)

// PathCorrector requests and serves corrected trip paths
type PathCorrector interface {
	RequestCorrection(ctx context.Context, tripID string) (*pathcorrection.Result, error)
	Availability(ctx context.Context, tripID string) (*pathcorrection.Availability, error)
	GetPath(ctx context.Context, tripID string, corrected bool) (*pathcorrection.Path, error)
}

// TripHandler handles HTTP requests for trips
type TripHandler struct {
	service *service.TripService
	paths   PathCorrector
}

// NewTripHandler creates a new trip handler
func NewTripHandler(service *service.TripService, paths PathCorrector) *TripHandler {
	return &TripHandler{service: service, paths: paths}
}

// GetTrips handles GET /api/v1/trips
func (h *TripHandler) GetTrips(c *gin.Context) {
	var filter models.TripFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	trips, total, err := h.service.GetTrips(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "Failed to get trips", err)
		return
	}

	// Calculate pagination info
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 100
	}
	if filter.PageSize > 1000 {
		filter.PageSize = 1000
	}
	totalPages := int(total) / filter.PageSize
	if int(total)%filter.PageSize > 0 {
		totalPages++
	}
	if trips == nil {
		trips = []models.Trip{}
	}

	response.Success(c, models.TripsResponse{
		Data:       trips,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: totalPages,
	})
}

// GetActiveTrip handles GET /api/v1/trips/active
func (h *TripHandler) GetActiveTrip(c *gin.Context) {
	trip, err := h.service.ActiveTrip(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "Failed to get active trip", err)
		return
	}
	if trip == nil {
		response.NotFound(c, "No active trip")
		return
	}
	response.Success(c, trip)
}

// GetTripByID handles GET /api/v1/trips/:id
func (h *TripHandler) GetTripByID(c *gin.Context) {
	trip, err := h.service.GetTripByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Failed to get trip", err)
		return
	}
	response.Success(c, trip)
}

// GetTripEvents handles GET /api/v1/trips/:id/events
func (h *TripHandler) GetTripEvents(c *gin.Context) {
	events, err := h.service.GetTripEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Failed to get trip events", err)
		return
	}
	if events == nil {
		events = []models.MovementEvent{}
	}
	response.Success(c, events)
}

// StartTrip handles POST /api/v1/trips/start
func (h *TripHandler) StartTrip(c *gin.Context) {
	trip, err := h.service.StartTrip(c.Request.Context())
	if err != nil {
		fail(c, "Failed to start trip", err)
		return
	}
	response.Success(c, trip)
}

// StopTrip handles POST /api/v1/trips/stop
func (h *TripHandler) StopTrip(c *gin.Context) {
	trip, err := h.service.StopTrip(c.Request.Context())
	if err != nil {
		fail(c, "Failed to stop trip", err)
		return
	}
	response.Success(c, trip)
}

// GetTripPath handles GET /api/v1/trips/:id/path?corrected=true
func (h *TripHandler) GetTripPath(c *gin.Context) {
	corrected, err := strconv.ParseBool(c.DefaultQuery("corrected", "false"))
	if err != nil {
		response.BadRequest(c, "Invalid corrected parameter", err)
		return
	}

	path, err := h.paths.GetPath(c.Request.Context(), c.Param("id"), corrected)
	if err != nil {
		fail(c, "Failed to get trip path", err)
		return
	}
	response.Success(c, path)
}

// GetCorrectionStatus handles GET /api/v1/trips/:id/correct-path
func (h *TripHandler) GetCorrectionStatus(c *gin.Context) {
	avail, err := h.paths.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Failed to get correction status", err)
		return
	}
	response.Success(c, avail)
}

// CorrectPath handles POST /api/v1/trips/:id/correct-path
func (h *TripHandler) CorrectPath(c *gin.Context) {
	id := c.Param("id")
	result, err := h.paths.RequestCorrection(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pathcorrection.ErrRateLimited) {
			if avail, aerr := h.paths.Availability(c.Request.Context(), id); aerr == nil && avail.RetryAfterSeconds > 0 {
				c.Header("Retry-After", strconv.FormatInt(avail.RetryAfterSeconds, 10))
			}
		}
		fail(c, "Path correction not requested", err)
		return
	}
	response.Success(c, result)
}
