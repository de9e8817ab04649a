package motion

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/timeutil"
)

// Sink accepts proposals. SubmitProposal must not block; it reports false when
// the proposal was dropped.
type Sink interface {
	SubmitProposal(p models.Proposal) bool
}

// Collector polls sources on an interval and forwards their proposals
type Collector struct {
	sources  []Source
	sink     Sink
	clock    timeutil.Clock
	interval time.Duration

	// Sources currently reporting ErrSensorUnavailable, owned by Run
	unavailable map[models.DetectionSource]bool
}

// NewCollector creates a collector over sources
func NewCollector(sources []Source, sink Sink, clock timeutil.Clock, interval time.Duration) *Collector {
	return &Collector{
		sources:     sources,
		sink:        sink,
		clock:       clock,
		interval:    interval,
		unavailable: make(map[models.DetectionSource]bool),
	}
}

// Sources returns the polled sources
func (c *Collector) Sources() []Source {
	return c.sources
}

// Poll asks every source once and returns how many proposals were forwarded
func (c *Collector) Poll(now time.Time) int {
	forwarded := 0
	for _, src := range c.sources {
		name := src.Name()
		p, err := src.Propose(now)
		if err != nil {
			if errors.Is(err, ErrSensorUnavailable) {
				if !c.unavailable[name] {
					log.Printf("[Collector] Source %s unavailable, continuing with remaining sources", name)
					c.unavailable[name] = true
				}
			} else {
				log.Printf("[Collector] Source %s failed: %v", name, err)
			}
			continue
		}
		if c.unavailable[name] {
			log.Printf("[Collector] Source %s recovered", name)
			delete(c.unavailable, name)
		}
		if p == nil {
			continue
		}
		if c.sink.SubmitProposal(*p) {
			forwarded++
		} else {
			log.Printf("[Collector] Dropped %s proposal for %s: sink full", name, p.CandidateMode)
		}
	}
	return forwarded
}

// Run polls until ctx is cancelled
func (c *Collector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	log.Printf("[Collector] Polling %d sources every %s", len(c.sources), c.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			c.Poll(now)
		}
	}
}
