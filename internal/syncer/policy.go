package syncer

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/jengzang/trip-tracker/internal/config"
)

// ErrBatchFailed marks records that failed because their whole upload call
// failed (timeout, network error or non-2xx status)
var ErrBatchFailed = errors.New("sync batch failed")

// RetryPolicy is exponential backoff with a ceiling. There is no attempt cap:
// a record keeps retrying at the Max interval.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy waits 1s, 2s, 4s ... up to 5 minutes
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: time.Second, Max: 5 * time.Minute, Multiplier: 2}
}

// NextAttempt returns the delay before retrying a record that has failed
// attempts times (attempts >= 1)
func (p RetryPolicy) NextAttempt(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempts-1))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	return time.Duration(d)
}

// Config tunes the reconciler
type Config struct {
	DeviceID       string
	BatchSize      int // Events per batch call, at most 100
	TripLimit      int // Trips per pass
	RequestTimeout time.Duration
	Interval       time.Duration
	Retry          RetryPolicy
}

// FromConfig converts the file configuration
func FromConfig(c *config.Config) Config {
	return Config{
		DeviceID:       c.Device.ID,
		BatchSize:      c.Sync.BatchSize,
		TripLimit:      c.Sync.TripLimit,
		RequestTimeout: c.Sync.RequestTimeout.D(),
		Interval:       c.Sync.Interval.D(),
		Retry: RetryPolicy{
			Initial:    c.Sync.InitialBackoff.D(),
			Max:        c.Sync.MaxBackoff.D(),
			Multiplier: c.Sync.BackoffMultiplier,
		},
	}
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 || c.BatchSize > 100 {
		c.BatchSize = 100
	}
	if c.TripLimit <= 0 {
		c.TripLimit = 50
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Retry.Initial <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// OutcomeKind classifies the result of syncing one record
type OutcomeKind string

// OutcomeKind constants
const (
	OutcomeOK       OutcomeKind = "OK"
	OutcomeFailed   OutcomeKind = "FAILED"
	OutcomeDeferred OutcomeKind = "DEFERRED" // Left for a later pass without counting as a failure
)

// Outcome is the result of syncing one record
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	Err  error       `json:"-"`
}

// MarshalJSON includes the error text
func (o Outcome) MarshalJSON() ([]byte, error) {
	msg := ""
	if o.Err != nil {
		msg = o.Err.Error()
	}
	return json.Marshal(struct {
		Kind  OutcomeKind `json:"kind"`
		Error string      `json:"error,omitempty"`
	}{o.Kind, msg})
}

// RecordResult is the outcome for one trip or event
type RecordResult struct {
	ID      string  `json:"id"`
	Outcome Outcome `json:"outcome"`
}

// Report summarises one reconciliation pass
type Report struct {
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Trips          []RecordResult `json:"trips"`
	Events         []RecordResult `json:"events"`
	EventsDeferred int            `json:"events_deferred"` // Waiting on their trip's server identity
	Batches        int            `json:"batches"`
}

// Count returns how many trip and event results have kind k
func (r *Report) Count(k OutcomeKind) (trips, events int) {
	for _, res := range r.Trips {
		if res.Outcome.Kind == k {
			trips++
		}
	}
	for _, res := range r.Events {
		if res.Outcome.Kind == k {
			events++
		}
	}
	return trips, events
}

// TripOutcome returns the outcome recorded for a trip
func (r *Report) TripOutcome(id string) (Outcome, bool) {
	for _, res := range r.Trips {
		if res.ID == id {
			return res.Outcome, true
		}
	}
	return Outcome{}, false
}

// EventOutcome returns the last outcome recorded for an event
func (r *Report) EventOutcome(id string) (Outcome, bool) {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].ID == id {
			return r.Events[i].Outcome, true
		}
	}
	return Outcome{}, false
}
