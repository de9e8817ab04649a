package motion

import (
	"math"
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/spatial"
)

// speedBand is a half-open speed range [Min, Max) in m/s
type speedBand struct {
	Mode models.TransportMode
	Min  float64
	Max  float64
}

// Speed thresholds (m/s):
// STATIONARY: 0-0.5
// WALKING: 0.5-2 (1.8-7.2 km/h)
// CYCLING: 2-8 (7.2-28.8 km/h)
// DRIVING: 8-40 (28.8-144 km/h)
// TRANSIT: >40 (rail and air)
var speedBands = []speedBand{
	{models.ModeStationary, 0, 0.5},
	{models.ModeWalking, 0.5, 2.0},
	{models.ModeCycling, 2.0, 8.0},
	{models.ModeDriving, 8.0, 40.0},
	{models.ModeTransit, 40.0, math.Inf(1)},
}

const (
	speedBaseConfidence   = 0.6
	speedStrongConfidence = 0.8
	speedGoodAccuracy     = 20.0 // Meters
)

// SpeedSource proposes a mode from GPS speed with hysteresis at band edges
type SpeedSource struct {
	mu         sync.Mutex
	hysteresis float64
	maxAge     time.Duration
	filter     *spatial.Filter
	available  bool

	last     *models.LocationSample // Last accepted fix
	speed    float64
	accuracy float64
	observed time.Time
	proposed time.Time
	mode     models.TransportMode
}

// NewSpeedSource creates a GPS speed source
func NewSpeedSource(hysteresis float64, maxAge time.Duration) *SpeedSource {
	return &SpeedSource{
		hysteresis: hysteresis,
		maxAge:     maxAge,
		filter:     spatial.NewFilter(spatial.DefaultOutlierThresholds()),
		available:  true,
	}
}

// Name returns SPEED_BASED
func (s *SpeedSource) Name() models.DetectionSource {
	return models.SourceSpeedBased
}

// SetAvailable marks GPS as present or absent
func (s *SpeedSource) SetAvailable(ok bool) {
	s.mu.Lock()
	s.available = ok
	s.mu.Unlock()
}

// Update feeds a location fix. Fixes rejected by the outlier filter are
// ignored and reported as false.
func (s *SpeedSource) Update(sample models.LocationSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reasons := s.filter.Check(s.last, sample); len(reasons) > 0 {
		return false
	}

	var speed float64
	switch {
	case sample.Speed != nil && *sample.Speed >= 0:
		speed = *sample.Speed
	case s.last != nil:
		dt := sample.Timestamp.Sub(s.last.Timestamp).Seconds()
		if dt <= 0 {
			return false
		}
		speed = spatial.Distance(s.last.LatLng(), sample.LatLng()) / dt
	default:
		// First fix without a reported speed only anchors the next one
		s.last = &sample
		return true
	}

	s.available = true
	s.last = &sample
	s.speed = speed
	s.accuracy = sample.Accuracy
	s.observed = sample.Timestamp
	return true
}

// Propose classifies the latest unproposed speed
func (s *SpeedSource) Propose(now time.Time) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return nil, ErrSensorUnavailable
	}
	if s.observed.IsZero() || !s.observed.After(s.proposed) {
		return nil, nil
	}
	if s.maxAge > 0 && now.Sub(s.observed) > s.maxAge {
		return nil, nil
	}
	s.proposed = s.observed

	band := s.classify(s.speed)
	s.mode = band.Mode

	conf := speedBaseConfidence
	margin := math.Min(s.speed-band.Min, band.Max-s.speed)
	if margin > 2*s.hysteresis && s.accuracy <= speedGoodAccuracy {
		conf = speedStrongConfidence
	}

	return &models.Proposal{
		CandidateMode: band.Mode,
		Confidence:    conf,
		Source:        models.SourceSpeedBased,
		Timestamp:     s.observed,
		LatencyMs:     latencyMs(now, s.observed),
	}, nil
}

// classify keeps the previous band while speed stays within the hysteresis
// margin of it
func (s *SpeedSource) classify(speed float64) speedBand {
	if s.mode != "" {
		for _, b := range speedBands {
			if b.Mode == s.mode && speed >= b.Min-s.hysteresis && speed < b.Max+s.hysteresis {
				return b
			}
		}
	}
	return bandFor(speed)
}

// SpeedMode returns the mode whose band contains speed, without hysteresis
func SpeedMode(speed float64) models.TransportMode {
	return bandFor(speed).Mode
}

func bandFor(speed float64) speedBand {
	for _, b := range speedBands {
		if speed < b.Max {
			return b
		}
	}
	return speedBands[len(speedBands)-1]
}
