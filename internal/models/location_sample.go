package models

import "time"

// LocationSample is a single GPS fix attributed to a trip
type LocationSample struct {
	ID        int64     `json:"id"`
	TripID    string    `json:"trip_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Position
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy float64  `json:"accuracy"`        // Meters
	Speed    *float64 `json:"speed,omitempty"` // m/s
	Altitude *float64 `json:"altitude,omitempty"`

	Mode TransportMode `json:"mode,omitempty"` // Mode active when recorded
}

// LatLng returns the sample position
func (s LocationSample) LatLng() LatLng {
	return LatLng{Lat: s.Lat, Lon: s.Lon}
}

// Proposal is one source's opinion of the current transport mode
type Proposal struct {
	CandidateMode TransportMode   `json:"candidate_mode"`
	Confidence    float64         `json:"confidence"` // 0-1
	Source        DetectionSource `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	LatencyMs     int64           `json:"latency_ms"`
	Telemetry     *Telemetry      `json:"telemetry,omitempty"`
}

// Change is the unit of atomic persistence. Every non-nil part commits in
// the same transaction.
type Change struct {
	Trip   *Trip
	Event  *MovementEvent
	Sample *LocationSample
}
