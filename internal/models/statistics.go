package models

// TodayStats summarises trips started since local midnight
type TodayStats struct {
	TripCount       int           `json:"trip_count"`
	DistanceMeters  float64       `json:"distance_meters"`
	DurationSeconds int64         `json:"duration_seconds"`
	DominantMode    TransportMode `json:"dominant_mode,omitempty"`
}

// SyncCounts reports the size of the unsynced backlog
type SyncCounts struct {
	UnsyncedTrips  int `json:"unsynced_trips"`
	UnsyncedEvents int `json:"unsynced_events"`
}
