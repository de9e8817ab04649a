package motion

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
)

// Geofence transitions
const (
	TransitionEnter = "ENTER"
	TransitionExit  = "EXIT"
	TransitionDwell = "DWELL"
)

// Crossing is a geofence boundary event reported by the platform
type Crossing struct {
	FenceID    string               `json:"fence_id"`
	Transition string               `json:"transition"`
	Mode       models.TransportMode `json:"mode,omitempty"` // Known mode at exit, if any
	Timestamp  time.Time            `json:"timestamp"`
}

// GeofenceSource turns boundary crossings into high-trust proposals.
// Exits propose the reported mode or UNKNOWN; enters and dwells propose
// STATIONARY.
type GeofenceSource struct {
	mu         sync.Mutex
	confidence float64
	available  bool
	pending    []Crossing
}

// NewGeofenceSource creates a geofence source proposing at confidence
func NewGeofenceSource(confidence float64) *GeofenceSource {
	return &GeofenceSource{confidence: clamp01(confidence), available: true}
}

// Name returns GEOFENCE
func (s *GeofenceSource) Name() models.DetectionSource {
	return models.SourceGeofence
}

// SetAvailable marks geofencing as present or absent
func (s *GeofenceSource) SetAvailable(ok bool) {
	s.mu.Lock()
	s.available = ok
	s.mu.Unlock()
}

// Cross queues a crossing
func (s *GeofenceSource) Cross(c Crossing) error {
	c.Transition = strings.ToUpper(c.Transition)
	switch c.Transition {
	case TransitionEnter, TransitionExit, TransitionDwell:
	default:
		return fmt.Errorf("unknown geofence transition %q", c.Transition)
	}
	if c.Mode != "" && !c.Mode.Valid() {
		return fmt.Errorf("unknown transport mode %q", c.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = true
	s.pending = append(s.pending, c)
	return nil
}

// Propose emits the most recent queued crossing. Older queued crossings are
// superseded by it.
func (s *GeofenceSource) Propose(now time.Time) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, ErrSensorUnavailable
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	latest := s.pending[0]
	for _, c := range s.pending[1:] {
		if !c.Timestamp.Before(latest.Timestamp) {
			latest = c
		}
	}
	s.pending = s.pending[:0]

	mode := models.ModeStationary
	if latest.Transition == TransitionExit {
		mode = latest.Mode
		if mode == "" || mode == models.ModeStationary {
			mode = models.ModeUnknown
		}
	}

	return &models.Proposal{
		CandidateMode: mode,
		Confidence:    s.confidence,
		Source:        models.SourceGeofence,
		Timestamp:     latest.Timestamp,
		LatencyMs:     latencyMs(now, latest.Timestamp),
	}, nil
}
