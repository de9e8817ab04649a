// Package fusion combines motion proposals into confirmed mode transitions.
package fusion

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/models"
)

// Config holds the fusion thresholds
type Config struct {
	Window             time.Duration
	AgreementThreshold float64 // Share of source-normalised confidence, > 0.5
	MinEvidence        float64 // Minimum score for the agreement path
	MinSupport         int     // Minimum proposals for the agreement path
	HighTrust          float64 // Single-proposal fast path

	// Priority is the tie-break order, highest first
	Priority []models.DetectionSource
}

// FromConfig converts the file configuration
func FromConfig(c config.FusionConfig) Config {
	return Config{
		Window:             c.Window.D(),
		AgreementThreshold: c.AgreementThreshold,
		MinEvidence:        c.MinEvidence,
		MinSupport:         c.MinSupport,
		HighTrust:          c.HighTrust,
		Priority:           models.DefaultSourcePriority,
	}
}

// Snapshot is the context attached to a confirmed transition
type Snapshot struct {
	CurrentMode models.TransportMode // STATIONARY when no trip is open
	DeviceID    string
	Location    *models.EventLocation
	DeviceState *models.DeviceState
}

// Engine debounces proposals over tumbling windows. It is not safe for
// concurrent use; the tracker goroutine owns it.
type Engine struct {
	cfg         Config
	windowStart time.Time
	proposals   []models.Proposal
}

// NewEngine creates an engine
func NewEngine(cfg Config) *Engine {
	if len(cfg.Priority) == 0 {
		cfg.Priority = models.DefaultSourcePriority
	}
	return &Engine{cfg: cfg}
}

// SetConfig swaps thresholds. The current window keeps its start time.
func (e *Engine) SetConfig(cfg Config) {
	if len(cfg.Priority) == 0 {
		cfg.Priority = models.DefaultSourcePriority
	}
	e.cfg = cfg
}

// Config returns the active thresholds
func (e *Engine) Config() Config {
	return e.cfg
}

// Pending returns the number of buffered proposals
func (e *Engine) Pending() int {
	return len(e.proposals)
}

// Submit buffers a proposal for the next decision
func (e *Engine) Submit(p models.Proposal) error {
	if !p.CandidateMode.Valid() {
		return fmt.Errorf("unknown transport mode %q", p.CandidateMode)
	}
	if !p.Source.Valid() {
		return fmt.Errorf("unknown detection source %q", p.Source)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: %v", models.ErrConfidenceRange, p.Confidence)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("proposal from %s has no timestamp", p.Source)
	}
	e.proposals = append(e.proposals, p)
	return nil
}

// Open starts a fresh window at now
func (e *Engine) Open(now time.Time) {
	e.windowStart = now
}

// Evaluate decides at most once per window. Before the window closes it
// returns nil; at close it confirms the winning candidate, if any, and starts
// the next window.
func (e *Engine) Evaluate(now time.Time, snap Snapshot) *models.MovementEvent {
	if e.windowStart.IsZero() {
		e.windowStart = now
		return nil
	}
	if now.Before(e.windowStart.Add(e.cfg.Window)) {
		return nil
	}

	cutoff := now.Add(-e.cfg.Window)
	kept := e.proposals[:0]
	for _, p := range e.proposals {
		if p.Timestamp.After(cutoff) {
			kept = append(kept, p)
		}
	}
	e.proposals = kept

	current := snap.CurrentMode
	if current == "" {
		current = models.ModeStationary
	}

	ev := e.decide(now, current, snap)

	// Proposals up to now have been judged
	e.windowStart = now
	rest := e.proposals[:0]
	for _, p := range e.proposals {
		if p.Timestamp.After(now) {
			rest = append(rest, p)
		}
	}
	e.proposals = rest
	return ev
}

type candidate struct {
	mode     models.TransportMode
	score    float64
	share    float64
	support  int
	voters   map[models.DetectionSource]bool
	deciding *models.Proposal
}

func (e *Engine) decide(now time.Time, current models.TransportMode, snap Snapshot) *models.MovementEvent {
	if len(e.proposals) == 0 {
		return nil
	}

	// Each source carries one unit of vote mass split across its proposals
	perSource := make(map[models.DetectionSource]int)
	for _, p := range e.proposals {
		perSource[p.Source]++
	}

	cands := make(map[models.TransportMode]*candidate)
	total := 0.0
	for i := range e.proposals {
		p := &e.proposals[i]
		c, ok := cands[p.CandidateMode]
		if !ok {
			c = &candidate{mode: p.CandidateMode, voters: make(map[models.DetectionSource]bool)}
			cands[p.CandidateMode] = c
		}
		w := p.Confidence / float64(perSource[p.Source])
		c.score += w
		c.support++
		c.voters[p.Source] = true
		total += w
	}

	var passing []*candidate
	for _, mode := range models.AllModes {
		c, ok := cands[mode]
		if !ok || mode == current {
			continue
		}
		if mode == models.ModeUnknown && current != models.ModeStationary {
			continue
		}
		if total > 0 {
			c.share = c.score / total
		}

		agreed := c.share > e.cfg.AgreementThreshold &&
			c.score >= e.cfg.MinEvidence &&
			c.support >= e.cfg.MinSupport
		if agreed {
			c.deciding = e.pick(mode, 0)
		} else if p := e.pick(mode, e.cfg.HighTrust); p != nil && e.cfg.HighTrust > 0 {
			c.deciding = p
		}

		if c.deciding == nil {
			log.Printf("[Fusion] Rejected %s->%s: share=%.2f score=%.2f support=%d",
				current, mode, c.share, c.score, c.support)
			continue
		}
		passing = append(passing, c)
	}
	if len(passing) == 0 {
		return nil
	}

	sort.SliceStable(passing, func(i, j int) bool {
		return e.before(passing[i].deciding, passing[j].deciding)
	})
	win := passing[0]
	d := win.deciding

	var contributing []models.DetectionSource
	for _, src := range e.cfg.Priority {
		if src != d.Source && win.voters[src] {
			contributing = append(contributing, src)
		}
	}

	latency := d.LatencyMs
	if now.After(d.Timestamp) {
		latency += now.Sub(d.Timestamp).Milliseconds()
	}

	log.Printf("[Fusion] Confirmed %s->%s via %s (confidence=%.2f share=%.2f support=%d)",
		current, win.mode, d.Source, d.Confidence, win.share, win.support)

	return &models.MovementEvent{
		ID:                  uuid.NewString(),
		DeviceID:            snap.DeviceID,
		Timestamp:           now,
		PreviousMode:        current,
		NewMode:             win.mode,
		DetectionSource:     d.Source,
		ContributingSources: contributing,
		Confidence:          d.Confidence,
		DetectionLatencyMs:  latency,
		Location:            snap.Location,
		DeviceState:         snap.DeviceState,
		Telemetry:           d.Telemetry,
	}
}

// pick returns the deciding proposal for mode among those with confidence at
// least floor: the highest-priority source, most recent within it
func (e *Engine) pick(mode models.TransportMode, floor float64) *models.Proposal {
	var best *models.Proposal
	for i := range e.proposals {
		p := &e.proposals[i]
		if p.CandidateMode != mode || p.Confidence < floor {
			continue
		}
		if best == nil || e.before(p, best) {
			best = p
		}
	}
	return best
}

// before orders deciding proposals: higher source priority, then more recent
func (e *Engine) before(a, b *models.Proposal) bool {
	pa, pb := e.priority(a.Source), e.priority(b.Source)
	if pa != pb {
		return pa < pb
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.CandidateMode.Rank() < b.CandidateMode.Rank()
}

func (e *Engine) priority(s models.DetectionSource) int {
	for i, p := range e.cfg.Priority {
		if p == s {
			return i
		}
	}
	return len(e.cfg.Priority)
}
