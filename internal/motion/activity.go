package motion

import (
	"strings"
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
)

// ActivityReading is one callback from the platform activity recognizer
type ActivityReading struct {
	Type       string    `json:"type"`       // IN_VEHICLE, ON_BICYCLE, ON_FOOT, WALKING, RUNNING, STILL, TILTING, UNKNOWN
	Confidence int       `json:"confidence"` // 0-100
	Timestamp  time.Time `json:"timestamp"`
}

// ActivitySource proposes the mode reported by activity recognition
type ActivitySource struct {
	mu            sync.Mutex
	minConfidence int
	maxAge        time.Duration
	available     bool
	latest        *ActivityReading
	proposed      time.Time
}

// NewActivitySource creates an activity recognition source
func NewActivitySource(minConfidence int, maxAge time.Duration) *ActivitySource {
	return &ActivitySource{
		minConfidence: minConfidence,
		maxAge:        maxAge,
		available:     true,
	}
}

// Name returns ACTIVITY_RECOGNITION
func (s *ActivitySource) Name() models.DetectionSource {
	return models.SourceActivityRecognition
}

// SetAvailable marks the recognizer as present or absent
func (s *ActivitySource) SetAvailable(ok bool) {
	s.mu.Lock()
	s.available = ok
	s.mu.Unlock()
}

// Update records the latest reading
func (s *ActivitySource) Update(r ActivityReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && r.Timestamp.Before(s.latest.Timestamp) {
		return
	}
	s.available = true
	s.latest = &r
}

// Propose turns the latest unproposed reading into a proposal
func (s *ActivitySource) Propose(now time.Time) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, ErrSensorUnavailable
	}
	r := s.latest
	if r == nil || !r.Timestamp.After(s.proposed) {
		return nil, nil
	}
	if s.maxAge > 0 && now.Sub(r.Timestamp) > s.maxAge {
		return nil, nil
	}
	s.proposed = r.Timestamp

	if r.Confidence < s.minConfidence {
		return nil, nil
	}
	mode, ok := ActivityMode(r.Type)
	if !ok {
		return nil, nil
	}

	conf := r.Confidence
	return &models.Proposal{
		CandidateMode: mode,
		Confidence:    clamp01(float64(r.Confidence) / 100),
		Source:        models.SourceActivityRecognition,
		Timestamp:     r.Timestamp,
		LatencyMs:     latencyMs(now, r.Timestamp),
		Telemetry: &models.Telemetry{
			ActivityType:       strings.ToUpper(r.Type),
			ActivityConfidence: &conf,
		},
	}, nil
}

// ActivityMode maps a recognizer activity type onto a transport mode.
// TILTING and UNKNOWN carry no mode.
func ActivityMode(activity string) (models.TransportMode, bool) {
	switch strings.ToUpper(activity) {
	case "IN_VEHICLE", "AUTOMOTIVE":
		return models.ModeDriving, true
	case "ON_BICYCLE", "CYCLING":
		return models.ModeCycling, true
	case "ON_FOOT", "WALKING":
		return models.ModeWalking, true
	case "RUNNING":
		return models.ModeRunning, true
	case "STILL", "STATIONARY":
		return models.ModeStationary, true
	}
	return "", false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
