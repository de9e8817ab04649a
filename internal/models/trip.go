package models

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrServerIDBound is returned when a different server ID is bound to a trip
// that already has one
var ErrServerIDBound = errors.New("server id already bound")

// LatLng is a WGS84 coordinate pair
type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Trip is a contiguous period of non-stationary activity
type Trip struct {
	ID       string    `json:"id"` // Client-generated UUID, never changes
	serverID string    // Write-once, see Identity
	State    TripState `json:"state"`

	// Temporal info
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"` // Set iff COMPLETED

	// Spatial info
	StartLocation *LatLng `json:"start_location,omitempty"`
	EndLocation   *LatLng `json:"end_location,omitempty"`
	LastLocation  *LatLng `json:"last_location,omitempty"`

	// Aggregates
	TotalDistanceMeters float64                   `json:"total_distance_meters"`
	LocationCount       int                       `json:"location_count"`
	MovementEventCount  int                       `json:"movement_event_count"`
	CurrentMode         TransportMode             `json:"current_mode"`
	DominantMode        TransportMode             `json:"dominant_mode,omitempty"`
	ModesUsed           []TransportMode           `json:"modes_used"`
	ModeBreakdown       map[TransportMode]float64 `json:"mode_breakdown,omitempty"` // Percent of duration
	ModeDurations       map[TransportMode]int64   `json:"-"`                        // Accrued milliseconds
	AccruedUntil        time.Time                 `json:"-"`

	// Triggers
	StartTrigger TripTrigger `json:"start_trigger"`
	EndTrigger   TripTrigger `json:"end_trigger,omitempty"`

	// Pending stop
	PendingSince  *time.Time `json:"pending_since,omitempty"`
	GraceDeadline *time.Time `json:"grace_deadline,omitempty"`

	// Sync metadata
	Revision      int64      `json:"revision"`
	IsSynced      bool       `json:"is_synced"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	SyncAttempts  int        `json:"sync_attempts"`
	NextSyncAt    *time.Time `json:"next_sync_at,omitempty"`
	LastSyncError string     `json:"last_sync_error,omitempty"`

	// Path correction
	PathCorrected         bool       `json:"path_corrected"`
	CorrectionRequestedAt *time.Time `json:"correction_requested_at,omitempty"`
	CorrectionStatus      string     `json:"correction_status,omitempty"`
	CorrectedAt           *time.Time `json:"corrected_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTrip creates an ACTIVE trip with no server identity
func NewTrip(id string, start time.Time, loc *LatLng, mode TransportMode, trigger TripTrigger) *Trip {
	t := &Trip{
		ID:            id,
		State:         TripActive,
		StartTime:     start,
		StartLocation: loc,
		LastLocation:  loc,
		CurrentMode:   mode,
		StartTrigger:  trigger,
		ModeDurations: make(map[TransportMode]int64),
		AccruedUntil:  start,
		CreatedAt:     start,
		UpdatedAt:     start,
	}
	t.AddMode(mode)
	return t
}

// Identity returns the trip's sync identity
func (t *Trip) Identity() SyncIdentity {
	if t.serverID == "" {
		return Unsynced{LocalID: t.ID}
	}
	return Synced{LocalID: t.ID, ServerID: t.serverID}
}

// BindServerID assigns the server identity. Binding the same value again is a
// no-op; binding a different value fails.
func (t *Trip) BindServerID(serverID string) error {
	if serverID == "" {
		return nil
	}
	if t.serverID != "" && t.serverID != serverID {
		return ErrServerIDBound
	}
	t.serverID = serverID
	return nil
}

// AddMode records m in ModesUsed, keeping canonical order
func (t *Trip) AddMode(m TransportMode) {
	for _, used := range t.ModesUsed {
		if used == m {
			return
		}
	}
	t.ModesUsed = append(t.ModesUsed, m)
	sort.Slice(t.ModesUsed, func(i, j int) bool {
		return t.ModesUsed[i].Rank() < t.ModesUsed[j].Rank()
	})
}

// HasMode reports whether m was observed during the trip
func (t *Trip) HasMode(m TransportMode) bool {
	for _, used := range t.ModesUsed {
		if used == m {
			return true
		}
	}
	return false
}

// IsOpen reports whether the trip still accepts content mutations
func (t *Trip) IsOpen() bool {
	return t.State == TripActive || t.State == TripPendingEnd
}

// Duration returns the trip length, measured to now while the trip is open
func (t *Trip) Duration(now time.Time) time.Duration {
	end := now
	if t.EndTime != nil {
		end = *t.EndTime
	}
	if end.Before(t.StartTime) {
		return 0
	}
	return end.Sub(t.StartTime)
}

// AverageSpeedKmh returns distance over duration in km/h
func (t *Trip) AverageSpeedKmh(now time.Time) float64 {
	secs := t.Duration(now).Seconds()
	if secs <= 0 {
		return 0
	}
	return t.TotalDistanceMeters / secs * 3.6
}

// Clone returns a deep copy
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	c.EndTime = cloneTime(t.EndTime)
	c.StartLocation = cloneLatLng(t.StartLocation)
	c.EndLocation = cloneLatLng(t.EndLocation)
	c.LastLocation = cloneLatLng(t.LastLocation)
	c.PendingSince = cloneTime(t.PendingSince)
	c.GraceDeadline = cloneTime(t.GraceDeadline)
	c.SyncedAt = cloneTime(t.SyncedAt)
	c.NextSyncAt = cloneTime(t.NextSyncAt)
	c.CorrectionRequestedAt = cloneTime(t.CorrectionRequestedAt)
	c.CorrectedAt = cloneTime(t.CorrectedAt)
	c.ModesUsed = append([]TransportMode(nil), t.ModesUsed...)
	if t.ModeBreakdown != nil {
		c.ModeBreakdown = make(map[TransportMode]float64, len(t.ModeBreakdown))
		for k, v := range t.ModeBreakdown {
			c.ModeBreakdown[k] = v
		}
	}
	c.ModeDurations = make(map[TransportMode]int64, len(t.ModeDurations))
	for k, v := range t.ModeDurations {
		c.ModeDurations[k] = v
	}
	return &c
}

// MarshalJSON adds the server identity to the default encoding
func (t Trip) MarshalJSON() ([]byte, error) {
	type plain Trip
	return json.Marshal(struct {
		plain
		ServerID string `json:"server_id,omitempty"`
	}{plain: plain(t), ServerID: t.serverID})
}

// TripsResponse represents a paginated response of trips
type TripsResponse struct {
	Data       []Trip `json:"data"`
	Total      int64  `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalPages int    `json:"totalPages"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneLatLng(l *LatLng) *LatLng {
	if l == nil {
		return nil
	}
	v := *l
	return &v
}
