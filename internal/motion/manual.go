package motion

import (
	"fmt"
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
)

// ManualSource carries a user's explicit mode override
type ManualSource struct {
	mu      sync.Mutex
	pending *models.Proposal
}

// NewManualSource creates a manual override source
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Name returns MANUAL
func (s *ManualSource) Name() models.DetectionSource {
	return models.SourceManual
}

// Set records an override to be proposed once at full confidence
func (s *ManualSource) Set(mode models.TransportMode, at time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown transport mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &models.Proposal{
		CandidateMode: mode,
		Confidence:    1.0,
		Source:        models.SourceManual,
		Timestamp:     at,
	}
	return nil
}

// Propose returns the pending override, if any. The user is always present,
// so this source is never unavailable.
func (s *ManualSource) Propose(now time.Time) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	if p != nil {
		p.LatencyMs = latencyMs(now, p.Timestamp)
	}
	return p, nil
}
