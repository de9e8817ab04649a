package models

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors for movement events
var (
	ErrConfidenceRange = errors.New("confidence must be within [0,1]")
	ErrNotTransition   = errors.New("previous mode equals new mode")
)

// MovementEvent is a confirmed, persisted transportation-mode transition
type MovementEvent struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id,omitempty"`
	TripID    string    `json:"trip_id,omitempty"` // Empty when observed outside a trip
	Timestamp time.Time `json:"timestamp"`

	// Transition
	PreviousMode        TransportMode     `json:"previous_mode"`
	NewMode             TransportMode     `json:"new_mode"`
	DetectionSource     DetectionSource   `json:"detection_source"`
	ContributingSources []DetectionSource `json:"contributing_sources,omitempty"`
	Confidence          float64           `json:"confidence"`          // 0-1
	DetectionLatencyMs  int64             `json:"detection_latency_ms"`

	// Context
	Location    *EventLocation `json:"location,omitempty"`
	DeviceState *DeviceState   `json:"device_state,omitempty"`
	Telemetry   *Telemetry     `json:"telemetry,omitempty"`

	DistanceFromLastLocation *float64 `json:"distance_from_last_location,omitempty"` // Meters
	TimeSinceLastLocation    *int64   `json:"time_since_last_location,omitempty"`    // Milliseconds

	// Sync metadata
	IsSynced      bool       `json:"is_synced"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	SyncAttempts  int        `json:"sync_attempts"`
	NextSyncAt    *time.Time `json:"next_sync_at,omitempty"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
}

// EventLocation is the position at which a transition was detected
type EventLocation struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy float64  `json:"accuracy"`        // Meters
	Speed    *float64 `json:"speed,omitempty"` // m/s
}

// DeviceState captures battery and network conditions
type DeviceState struct {
	BatteryLevel    *int   `json:"battery_level,omitempty"` // 0-100
	IsCharging      *bool  `json:"is_charging,omitempty"`
	NetworkType     string `json:"network_type,omitempty"` // WIFI, CELLULAR, NONE
	NetworkStrength *int   `json:"network_strength,omitempty"`
}

// Telemetry is the sensor snapshot behind a proposal
type Telemetry struct {
	AccelMagnitude     *float64 `json:"accel_magnitude,omitempty"`
	AccelVariance      *float64 `json:"accel_variance,omitempty"`
	AccelPeakFrequency *float64 `json:"accel_peak_frequency,omitempty"` // Hz
	GyroMagnitude      *float64 `json:"gyro_magnitude,omitempty"`
	StepCount          *int     `json:"step_count,omitempty"`
	SignificantMotion  *bool    `json:"significant_motion,omitempty"`
	ActivityType       string   `json:"activity_type,omitempty"`
	ActivityConfidence *int     `json:"activity_confidence,omitempty"` // 0-100
}

// Validate checks the event invariants
func (e *MovementEvent) Validate() error {
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: %v", ErrConfidenceRange, e.Confidence)
	}
	if e.PreviousMode == e.NewMode {
		return fmt.Errorf("%w: %s", ErrNotTransition, e.NewMode)
	}
	if !e.NewMode.Valid() || !e.PreviousMode.Valid() {
		return fmt.Errorf("unknown transport mode: %s -> %s", e.PreviousMode, e.NewMode)
	}
	return nil
}
