package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/motion"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/pkg/response"
)

// SignalHandler accepts platform callbacks
type SignalHandler struct {
	signals   *service.SignalService
	validator *Validator
}

// NewSignalHandler creates a new signal handler
func NewSignalHandler(signals *service.SignalService, validator *Validator) *SignalHandler {
	return &SignalHandler{signals: signals, validator: validator}
}

// Activity handles POST /api/v1/signals/activity
func (h *SignalHandler) Activity(c *gin.Context) {
	var req motion.ActivityReading
	if !h.validator.bind(c, "activity", &req) {
		return
	}
	h.signals.Activity(req)
	response.Accepted(c, nil)
}

type motionRequest struct {
	Samples []motion.SensorSample `json:"samples"`
}

// Motion handles POST /api/v1/signals/motion
func (h *SignalHandler) Motion(c *gin.Context) {
	var req motionRequest
	if !h.validator.bind(c, "motion", &req) {
		return
	}
	h.signals.Motion(req.Samples)
	response.Accepted(c, gin.H{"samples": len(req.Samples)})
}

// Car handles POST /api/v1/signals/car
func (h *SignalHandler) Car(c *gin.Context) {
	var req motion.CarConnection
	if !h.validator.bind(c, "car", &req) {
		return
	}
	counted, err := h.signals.Car(req)
	if err != nil {
		response.BadRequest(c, "Invalid car connection", err)
		return
	}
	response.Accepted(c, gin.H{"counted": counted})
}

// Location handles POST /api/v1/signals/location
func (h *SignalHandler) Location(c *gin.Context) {
	var req models.LocationSample
	if !h.validator.bind(c, "location", &req) {
		return
	}
	accepted, err := h.signals.Location(req)
	if err != nil {
		fail(c, "Location dropped", err)
		return
	}
	response.Accepted(c, gin.H{"speed_accepted": accepted})
}

// Geofence handles POST /api/v1/signals/geofence
func (h *SignalHandler) Geofence(c *gin.Context) {
	var req motion.Crossing
	if !h.validator.bind(c, "geofence", &req) {
		return
	}
	if err := h.signals.Geofence(req); err != nil {
		response.BadRequest(c, "Invalid geofence crossing", err)
		return
	}
	response.Accepted(c, nil)
}

type manualRequest struct {
	Mode      models.TransportMode `json:"mode"`
	Timestamp time.Time            `json:"timestamp"`
}

// Manual handles POST /api/v1/signals/manual
func (h *SignalHandler) Manual(c *gin.Context) {
	var req manualRequest
	if !h.validator.bind(c, "manual", &req) {
		return
	}
	if err := h.signals.Manual(req.Mode, req.Timestamp); err != nil {
		response.BadRequest(c, "Invalid manual override", err)
		return
	}
	response.Accepted(c, nil)
}

type deviceRequest struct {
	models.DeviceState
	Sensors map[models.DetectionSource]bool `json:"sensors,omitempty"`
}

// Device handles POST /api/v1/signals/device
func (h *SignalHandler) Device(c *gin.Context) {
	var req deviceRequest
	if !h.validator.bind(c, "device", &req) {
		return
	}
	for name, ok := range req.Sensors {
		if err := h.signals.SetAvailable(name, ok); err != nil {
			response.BadRequest(c, "Invalid sensor availability", err)
			return
		}
	}
	if req.DeviceState != (models.DeviceState{}) {
		if err := h.signals.Device(req.DeviceState); err != nil {
			fail(c, "Device state dropped", err)
			return
		}
	}
	response.Accepted(c, nil)
}
