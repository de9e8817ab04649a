package models

// TransportMode is a classification of motion
type TransportMode string

// TransportMode constants
const (
	ModeStationary TransportMode = "STATIONARY"
	ModeWalking    TransportMode = "WALKING"
	ModeRunning    TransportMode = "RUNNING"
	ModeCycling    TransportMode = "CYCLING"
	ModeDriving    TransportMode = "DRIVING"
	ModeTransit    TransportMode = "TRANSIT"
	ModeUnknown    TransportMode = "UNKNOWN"
)

// AllModes lists every transport mode in canonical order.
// The order is used for stable output and for argmax tie-breaks.
var AllModes = []TransportMode{
	ModeStationary,
	ModeWalking,
	ModeRunning,
	ModeCycling,
	ModeDriving,
	ModeTransit,
	ModeUnknown,
}

// Valid reports whether m is a known transport mode
func (m TransportMode) Valid() bool {
	return m.Rank() >= 0
}

// Rank returns the canonical position of m, or -1 if unknown
func (m TransportMode) Rank() int {
	for i, mode := range AllModes {
		if mode == m {
			return i
		}
	}
	return -1
}

// IsVehicle reports whether m is motorised travel
func (m TransportMode) IsVehicle() bool {
	return m == ModeDriving || m == ModeTransit
}

// DetectionSource identifies the subsystem that proposed a mode
type DetectionSource string

// DetectionSource constants
const (
	SourceGeofence            DetectionSource = "GEOFENCE"
	SourceActivityRecognition DetectionSource = "ACTIVITY_RECOGNITION"
	SourceSensorFusion        DetectionSource = "SENSOR_FUSION"
	SourceSpeedBased          DetectionSource = "SPEED_BASED"
	SourceManual              DetectionSource = "MANUAL"
)

// DefaultSourcePriority is the static tie-break order, highest first
var DefaultSourcePriority = []DetectionSource{
	SourceGeofence,
	SourceActivityRecognition,
	SourceSensorFusion,
	SourceSpeedBased,
	SourceManual,
}

// Valid reports whether s is a known detection source
func (s DetectionSource) Valid() bool {
	for _, src := range DefaultSourcePriority {
		if src == s {
			return true
		}
	}
	return false
}

// TripTrigger records what started or ended a trip
type TripTrigger string

// TripTrigger constants
const (
	TriggerManual              TripTrigger = "MANUAL"
	TriggerActivityDetection   TripTrigger = "ACTIVITY_DETECTION"
	TriggerGeofenceExit        TripTrigger = "GEOFENCE_EXIT"
	TriggerSignificantMotion   TripTrigger = "SIGNIFICANT_MOTION"
	TriggerStationaryDetection TripTrigger = "STATIONARY_DETECTION"
	TriggerAppShutdown         TripTrigger = "APP_SHUTDOWN"
)

// IsStartTrigger reports whether t may open a trip
func (t TripTrigger) IsStartTrigger() bool {
	switch t {
	case TriggerManual, TriggerActivityDetection, TriggerGeofenceExit, TriggerSignificantMotion:
		return true
	}
	return false
}

// IsEndTrigger reports whether t may close a trip
func (t TripTrigger) IsEndTrigger() bool {
	switch t {
	case TriggerManual, TriggerStationaryDetection, TriggerAppShutdown:
		return true
	}
	return false
}

// TripState is the lifecycle position of a trip
type TripState string

// TripState constants
const (
	TripIdle       TripState = "IDLE"
	TripActive     TripState = "ACTIVE"
	TripPendingEnd TripState = "PENDING_END"
	TripCompleted  TripState = "COMPLETED"
)

// RemoteStatus maps a local state onto the server's two-valued status
func (s TripState) RemoteStatus() string {
	if s == TripCompleted {
		return "COMPLETED"
	}
	return "ACTIVE"
}
