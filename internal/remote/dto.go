package remote

import (
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
)

// LocationDto is a coordinate pair on the wire
type LocationDto struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TripModesDto carries the dominant mode and the percentage breakdown
type TripModesDto struct {
	Dominant  string             `json:"dominant"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// TripTriggersDto records what started and ended a trip
type TripTriggersDto struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// TripStatisticsDto summarises a trip's aggregates
type TripStatisticsDto struct {
	DistanceMeters     float64 `json:"distanceMeters"`
	DurationSeconds    int64   `json:"durationSeconds"`
	LocationCount      int     `json:"locationCount"`
	MovementEventCount int     `json:"movementEventCount"`
}

// CreateTripRequest is the body of POST /api/v1/trips. The server treats
// LocalTripID as an idempotency key.
type CreateTripRequest struct {
	LocalTripID   string           `json:"localTripId"`
	DeviceID      string           `json:"deviceId"`
	StartTime     time.Time        `json:"startTime"`
	Status        string           `json:"status"`
	StartLocation *LocationDto     `json:"startLocation,omitempty"`
	Modes         *TripModesDto    `json:"modes,omitempty"`
	Triggers      *TripTriggersDto `json:"triggers,omitempty"`
}

// CreateTripResponse is returned for a created (or already known) trip
type CreateTripResponse struct {
	TripID      string    `json:"tripId"`
	LocalTripID string    `json:"localTripId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UpdateTripRequest is the body of PATCH /api/v1/trips/{id}
type UpdateTripRequest struct {
	EndTime     *time.Time         `json:"endTime,omitempty"`
	Status      string             `json:"status,omitempty"`
	EndLocation *LocationDto       `json:"endLocation,omitempty"`
	Statistics  *TripStatisticsDto `json:"statistics,omitempty"`
	Modes       *TripModesDto      `json:"modes,omitempty"`
	Triggers    *TripTriggersDto   `json:"triggers,omitempty"`
}

// TripDto is the server's view of a trip
type TripDto struct {
	TripID        string             `json:"tripId"`
	LocalTripID   string             `json:"localTripId"`
	DeviceID      string             `json:"deviceId"`
	StartTime     time.Time          `json:"startTime"`
	EndTime       *time.Time         `json:"endTime,omitempty"`
	Status        string             `json:"status"`
	StartLocation *LocationDto       `json:"startLocation,omitempty"`
	EndLocation   *LocationDto       `json:"endLocation,omitempty"`
	Statistics    *TripStatisticsDto `json:"statistics,omitempty"`
	Modes         *TripModesDto      `json:"modes,omitempty"`
	Triggers      *TripTriggersDto   `json:"triggers,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// TripsListResponse is a page of server trips
type TripsListResponse struct {
	Trips []TripDto `json:"trips"`
	Total int       `json:"total"`
}

// TripLocationPointDto is one stored fix of a trip
type TripLocationPointDto struct {
	Timestamp          time.Time `json:"timestamp"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Accuracy           *float64  `json:"accuracy,omitempty"`
	Speed              *float64  `json:"speed,omitempty"`
	TransportationMode string    `json:"transportationMode,omitempty"`
}

// TripLocationsResponse lists a trip's fixes
type TripLocationsResponse struct {
	TripID    string                 `json:"tripId"`
	Locations []TripLocationPointDto `json:"locations"`
	Count     int                    `json:"count"`
}

// TripPathResponse is a trip's path as [lat, lon] pairs
type TripPathResponse struct {
	TripID          string      `json:"tripId"`
	Path            [][]float64 `json:"path"`
	Corrected       bool        `json:"corrected"`
	Algorithm       string      `json:"algorithm,omitempty"`
	TotalPoints     int         `json:"totalPoints,omitempty"`
	CorrectedPoints int         `json:"correctedPoints,omitempty"`
}

// PathCorrectionRequest is the body of POST /api/v1/trips/{id}/correct-path
type PathCorrectionRequest struct {
	Algorithm string `json:"algorithm,omitempty"`
}

// Path correction statuses reported by the server
const (
	CorrectionPending    = "PENDING"
	CorrectionProcessing = "PROCESSING"
	CorrectionCompleted  = "COMPLETED"
	CorrectionFailed     = "FAILED"
)

// PathCorrectionResponse reports the state of a correction request
type PathCorrectionResponse struct {
	TripID          string     `json:"tripId"`
	Status          string     `json:"status"`
	Message         string     `json:"message,omitempty"`
	CorrectedAt     *time.Time `json:"correctedAt,omitempty"`
	TotalPoints     int        `json:"totalPoints,omitempty"`
	CorrectedPoints int        `json:"correctedPoints,omitempty"`
}

// DetectionSourceDetails names the deciding source and the ones that agreed
type DetectionSourceDetails struct {
	Primary      string   `json:"primary"`
	Contributing []string `json:"contributing,omitempty"`
}

// EventLocationDto is where a transition was detected
type EventLocationDto struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// DeviceStateDto is battery and network state
type DeviceStateDto struct {
	BatteryLevel    *int   `json:"batteryLevel,omitempty"`
	BatteryCharging *bool  `json:"batteryCharging,omitempty"`
	NetworkType     string `json:"networkType,omitempty"`
	NetworkStrength *int   `json:"networkStrength,omitempty"`
}

// AccelerometerDto is accelerometer telemetry
type AccelerometerDto struct {
	Magnitude     *float64 `json:"magnitude,omitempty"`
	Variance      *float64 `json:"variance,omitempty"`
	PeakFrequency *float64 `json:"peakFrequency,omitempty"`
}

// GyroscopeDto is gyroscope telemetry
type GyroscopeDto struct {
	Magnitude *float64 `json:"magnitude,omitempty"`
}

// ActivityRecognitionDto is the platform classifier's last reading
type ActivityRecognitionDto struct {
	Type       string `json:"type"`
	Confidence int    `json:"confidence"`
}

// TelemetryDto is the sensor snapshot behind an event
type TelemetryDto struct {
	Accelerometer       *AccelerometerDto       `json:"accelerometer,omitempty"`
	Gyroscope           *GyroscopeDto           `json:"gyroscope,omitempty"`
	StepCount           *int                    `json:"stepCount,omitempty"`
	SignificantMotion   *bool                   `json:"significantMotion,omitempty"`
	ActivityRecognition *ActivityRecognitionDto `json:"activityRecognition,omitempty"`
}

// CreateMovementEventRequest uploads one event. EventID is the idempotency
// key; TripID is the trip's server identity.
type CreateMovementEventRequest struct {
	EventID            string                 `json:"eventId"`
	DeviceID           string                 `json:"deviceId"`
	Timestamp          time.Time              `json:"timestamp"`
	PreviousMode       string                 `json:"previousMode"`
	NewMode            string                 `json:"newMode"`
	DetectionSource    DetectionSourceDetails `json:"detectionSource"`
	Confidence         float64                `json:"confidence"`
	DetectionLatencyMs int64                  `json:"detectionLatencyMs"`
	Location           *EventLocationDto      `json:"location,omitempty"`
	DeviceState        *DeviceStateDto        `json:"deviceState,omitempty"`
	Telemetry          *TelemetryDto          `json:"telemetry,omitempty"`
	TripID             string                 `json:"tripId,omitempty"`
}

// MovementEventDto is the server's view of an event
type MovementEventDto struct {
	CreateMovementEventRequest
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// MovementEventUploadResponse acknowledges a single event
type MovementEventUploadResponse struct {
	EventID     string    `json:"eventId"`
	ProcessedAt time.Time `json:"processedAt"`
}

// BatchMovementEventsRequest is the body of POST /api/v1/movement-events/batch
type BatchMovementEventsRequest struct {
	Events []CreateMovementEventRequest `json:"events"`
}

// BatchEventError reports one rejected event of a batch
type BatchEventError struct {
	EventID string `json:"eventId"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// BatchMovementEventsResponse reports per-event results of a batch
type BatchMovementEventsResponse struct {
	ProcessedCount int               `json:"processedCount"`
	FailedCount    int               `json:"failedCount"`
	Errors         []BatchEventError `json:"errors,omitempty"`
}

// Failed maps rejected event IDs to the server's message
func (r *BatchMovementEventsResponse) Failed() map[string]string {
	out := make(map[string]string, len(r.Errors))
	for _, e := range r.Errors {
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		out[e.EventID] = msg
	}
	return out
}

// TripMovementEventsResponse lists a trip's events
type TripMovementEventsResponse struct {
	TripID string             `json:"tripId"`
	Events []MovementEventDto `json:"events"`
	Total  int                `json:"total"`
}

// NewCreateTripRequest builds the creation payload for a local trip
func NewCreateTripRequest(t *models.Trip, deviceID string) CreateTripRequest {
	req := CreateTripRequest{
		LocalTripID:   t.ID,
		DeviceID:      deviceID,
		StartTime:     t.StartTime.UTC(),
		Status:        models.TripActive.RemoteStatus(),
		StartLocation: locationDto(t.StartLocation),
		Modes:         modesDto(t),
		Triggers:      triggersDto(t),
	}
	return req
}

// NewUpdateTripRequest builds the full update payload for a local trip
func NewUpdateTripRequest(t *models.Trip, now time.Time) UpdateTripRequest {
	req := UpdateTripRequest{
		Status:      t.State.RemoteStatus(),
		EndLocation: locationDto(t.EndLocation),
		Statistics: &TripStatisticsDto{
			DistanceMeters:     t.TotalDistanceMeters,
			DurationSeconds:    int64(t.Duration(now).Seconds()),
			LocationCount:      t.LocationCount,
			MovementEventCount: t.MovementEventCount,
		},
		Modes:    modesDto(t),
		Triggers: triggersDto(t),
	}
	if t.EndTime != nil {
		end := t.EndTime.UTC()
		req.EndTime = &end
	}
	return req
}

// NewMovementEventRequest builds the upload payload for an event.
// tripServerID is empty for events recorded outside a trip.
func NewMovementEventRequest(e *models.MovementEvent, deviceID, tripServerID string) CreateMovementEventRequest {
	if e.DeviceID != "" {
		deviceID = e.DeviceID
	}
	req := CreateMovementEventRequest{
		EventID:      e.ID,
		DeviceID:     deviceID,
		Timestamp:    e.Timestamp.UTC(),
		PreviousMode: string(e.PreviousMode),
		NewMode:      string(e.NewMode),
		DetectionSource: DetectionSourceDetails{
			Primary: string(e.DetectionSource),
		},
		Confidence:         e.Confidence,
		DetectionLatencyMs: e.DetectionLatencyMs,
		TripID:             tripServerID,
	}
	for _, src := range e.ContributingSources {
		req.DetectionSource.Contributing = append(req.DetectionSource.Contributing, string(src))
	}

	if loc := e.Location; loc != nil {
		acc := loc.Accuracy
		req.Location = &EventLocationDto{Latitude: loc.Lat, Longitude: loc.Lon, Accuracy: &acc, Speed: loc.Speed}
	}
	if ds := e.DeviceState; ds != nil {
		req.DeviceState = &DeviceStateDto{
			BatteryLevel:    ds.BatteryLevel,
			BatteryCharging: ds.IsCharging,
			NetworkType:     ds.NetworkType,
			NetworkStrength: ds.NetworkStrength,
		}
	}
	if tm := e.Telemetry; tm != nil {
		dto := &TelemetryDto{StepCount: tm.StepCount, SignificantMotion: tm.SignificantMotion}
		if tm.AccelMagnitude != nil || tm.AccelVariance != nil || tm.AccelPeakFrequency != nil {
			dto.Accelerometer = &AccelerometerDto{
				Magnitude:     tm.AccelMagnitude,
				Variance:      tm.AccelVariance,
				PeakFrequency: tm.AccelPeakFrequency,
			}
		}
		if tm.GyroMagnitude != nil {
			dto.Gyroscope = &GyroscopeDto{Magnitude: tm.GyroMagnitude}
		}
		if tm.ActivityType != "" {
			ar := &ActivityRecognitionDto{Type: tm.ActivityType}
			if tm.ActivityConfidence != nil {
				ar.Confidence = *tm.ActivityConfidence
			}
			dto.ActivityRecognition = ar
		}
		req.Telemetry = dto
	}
	return req
}

func locationDto(l *models.LatLng) *LocationDto {
	if l == nil {
		return nil
	}
	return &LocationDto{Latitude: l.Lat, Longitude: l.Lon}
}

func modesDto(t *models.Trip) *TripModesDto {
	dominant := t.DominantMode
	if dominant == "" {
		dominant = t.CurrentMode
	}
	if dominant == "" {
		return nil
	}
	dto := &TripModesDto{Dominant: string(dominant)}
	if len(t.ModeBreakdown) > 0 {
		dto.Breakdown = make(map[string]float64, len(t.ModeBreakdown))
		for m, pct := range t.ModeBreakdown {
			dto.Breakdown[string(m)] = pct
		}
	}
	return dto
}

func triggersDto(t *models.Trip) *TripTriggersDto {
	if t.StartTrigger == "" {
		return nil
	}
	return &TripTriggersDto{Start: string(t.StartTrigger), End: string(t.EndTrigger)}
}
