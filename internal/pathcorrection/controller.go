// Package pathcorrection requests server-side road snapping of trip paths and
// serves raw or corrected paths.
package pathcorrection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/ratelimit"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/timeutil"
)

// Errors returned by RequestCorrection
var (
	ErrNotEligible = errors.New("trip is not eligible for path correction")
	ErrRateLimited = errors.New("path correction already requested recently")
)

// Path sources
const (
	SourceServer = "server"
	SourceLocal  = "local"
)

// Remote is the part of the server API the controller needs
type Remote interface {
	CorrectPath(ctx context.Context, serverID, algorithm string) (*remote.PathCorrectionResponse, error)
	GetTripPath(ctx context.Context, serverID string, corrected bool, algorithm string) (*remote.TripPathResponse, error)
}

// TripStore reads trips and writes their path correction columns
type TripStore interface {
	GetTripByID(ctx context.Context, id string) (*models.Trip, error)
	SetCorrectionRequest(ctx context.Context, id string, at *time.Time, status string) error
	MarkPathCorrected(ctx context.Context, id string, at time.Time) error
	CorrectionRequestsSince(ctx context.Context, since time.Time) (map[string]time.Time, error)
}

// SampleStore reads a trip's raw fixes
type SampleStore interface {
	GetSamplesByTrip(ctx context.Context, tripID string) ([]models.LocationSample, error)
}

// Config tunes the controller
type Config struct {
	Window         time.Duration // One request per trip per window
	Algorithm      string
	RequestTimeout time.Duration
}

// FromConfig converts the file configuration
func FromConfig(c *config.Config) Config {
	return Config{
		Window:         c.PathCorrection.Window.D(),
		Algorithm:      c.PathCorrection.Algorithm,
		RequestTimeout: c.Sync.RequestTimeout.D(),
	}
}

// Result is the server's answer to a correction request
type Result struct {
	TripID          string     `json:"trip_id"`
	Status          string     `json:"status"`
	Message         string     `json:"message,omitempty"`
	RequestedAt     time.Time  `json:"requested_at"`
	CorrectedAt     *time.Time `json:"corrected_at,omitempty"`
	TotalPoints     int        `json:"total_points,omitempty"`
	CorrectedPoints int        `json:"corrected_points,omitempty"`
}

// Path is a trip's track, raw or corrected
type Path struct {
	TripID    string          `json:"trip_id"`
	Points    []models.LatLng `json:"points"`
	Corrected bool            `json:"corrected"`
	Algorithm string          `json:"algorithm,omitempty"`
	Source    string          `json:"source"` // server or local
}

// Availability reports whether a correction may be requested now
type Availability struct {
	Eligible          bool   `json:"eligible"`
	Remaining         int    `json:"remaining"` // Requests left in the current window
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	PathCorrected     bool   `json:"path_corrected"`
	Status            string `json:"status,omitempty"`
}

// Controller rate-limits correction requests per trip
type Controller struct {
	cfg     Config
	trips   TripStore
	samples SampleStore
	remote  Remote
	clock   timeutil.Clock
	limiter *ratelimit.Limiter
}

// New creates a controller. Call Restore before serving requests so the
// limiter remembers requests made before a restart.
func New(cfg Config, trips TripStore, samples SampleStore, r Remote, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		trips:   trips,
		samples: samples,
		remote:  r,
		clock:   clock,
		limiter: ratelimit.New(1, cfg.Window, clock),
	}
}

// Restore seeds the limiter from persisted request times
func (c *Controller) Restore(ctx context.Context) error {
	since := c.clock.Now().Add(-c.cfg.Window)
	requests, err := c.trips.CorrectionRequestsSince(ctx, since)
	if err != nil {
		return err
	}
	for tripID, at := range requests {
		c.limiter.Seed(tripID, at)
	}
	if len(requests) > 0 {
		log.Printf("[PathCorrection] Restored %d recent requests", len(requests))
	}
	return nil
}

// RequestCorrection asks the server to correct a completed, synced trip.
// At most one request per trip is sent per rolling window; a rate-limited
// call makes no network request.
func (c *Controller) RequestCorrection(ctx context.Context, tripID string) (*Result, error) {
	t, err := c.lookup(ctx, tripID)
	if err != nil {
		return nil, err
	}

	serverID, ok := eligible(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s, synced=%t", ErrNotEligible, tripID, t.State, t.IsSynced)
	}

	slot, wait, ok := c.limiter.Take(tripID)
	if !ok {
		return nil, fmt.Errorf("%w: retry in %v", ErrRateLimited, wait.Round(time.Second))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resp, err := c.remote.CorrectPath(callCtx, serverID, c.cfg.Algorithm)
	cancel()
	if err != nil {
		if remote.StatusCode(err) == http.StatusTooManyRequests {
			// The server already holds a request; keep the slot and remember it
			if perr := c.trips.SetCorrectionRequest(ctx, tripID, &slot, remote.CorrectionPending); perr != nil {
				log.Printf("[PathCorrection] Failed to persist request for %s: %v", tripID, perr)
			}
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		c.limiter.Refund(tripID, slot)
		return nil, fmt.Errorf("path correction request failed: %w", err)
	}

	result := &Result{
		TripID:          tripID,
		Status:          resp.Status,
		Message:         resp.Message,
		RequestedAt:     slot,
		CorrectedAt:     resp.CorrectedAt,
		TotalPoints:     resp.TotalPoints,
		CorrectedPoints: resp.CorrectedPoints,
	}
	if err := c.trips.SetCorrectionRequest(ctx, tripID, &slot, resp.Status); err != nil {
		return result, err
	}
	if resp.Status == remote.CorrectionCompleted {
		at := slot
		if resp.CorrectedAt != nil {
			at = *resp.CorrectedAt
		}
		if err := c.trips.MarkPathCorrected(ctx, tripID, at); err != nil {
			return result, err
		}
	}

	log.Printf("[PathCorrection] Requested correction for %s: %s", tripID, resp.Status)
	return result, nil
}

// Availability reports eligibility and the remaining rate-limit wait
func (c *Controller) Availability(ctx context.Context, tripID string) (*Availability, error) {
	t, err := c.lookup(ctx, tripID)
	if err != nil {
		return nil, err
	}
	_, ok := eligible(t)
	return &Availability{
		Eligible:          ok,
		Remaining:         c.limiter.Remaining(tripID),
		RetryAfterSeconds: int64(math.Ceil(c.limiter.RetryAfter(tripID).Seconds())),
		PathCorrected:     t.PathCorrected,
		Status:            t.CorrectionStatus,
	}, nil
}

// GetPath returns the server's path for a synced trip, corrected when asked
// and available. Unsynced trips and unreachable servers fall back to the raw
// local samples.
func (c *Controller) GetPath(ctx context.Context, tripID string, corrected bool) (*Path, error) {
	t, err := c.lookup(ctx, tripID)
	if err != nil {
		return nil, err
	}

	if id, ok := t.Identity().(models.Synced); ok {
		path, err := c.serverPath(ctx, t, id.ServerID, corrected)
		if err == nil {
			return path, nil
		}
		log.Printf("[PathCorrection] Falling back to local path for %s: %v", tripID, err)
	}
	return c.localPath(ctx, tripID)
}

func (c *Controller) serverPath(ctx context.Context, t *models.Trip, serverID string, corrected bool) (*Path, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resp, err := c.remote.GetTripPath(callCtx, serverID, corrected, c.cfg.Algorithm)
	cancel()
	if err != nil {
		return nil, err
	}

	path := &Path{
		TripID:    t.ID,
		Points:    make([]models.LatLng, 0, len(resp.Path)),
		Corrected: resp.Corrected,
		Algorithm: resp.Algorithm,
		Source:    SourceServer,
	}
	for _, p := range resp.Path {
		if len(p) < 2 {
			continue
		}
		path.Points = append(path.Points, models.LatLng{Lat: p[0], Lon: p[1]})
	}

	if resp.Corrected && !t.PathCorrected {
		if err := c.trips.MarkPathCorrected(ctx, t.ID, c.clock.Now()); err != nil {
			log.Printf("[PathCorrection] Failed to mark %s corrected: %v", t.ID, err)
		}
	}
	return path, nil
}

func (c *Controller) localPath(ctx context.Context, tripID string) (*Path, error) {
	samples, err := c.samples.GetSamplesByTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	path := &Path{TripID: tripID, Points: make([]models.LatLng, 0, len(samples)), Source: SourceLocal}
	for _, s := range samples {
		path.Points = append(path.Points, s.LatLng())
	}
	return path, nil
}

func (c *Controller) lookup(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := c.trips.GetTripByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: trip %s", repository.ErrNotFound, tripID)
	}
	return t, nil
}

// eligible returns the server ID of a completed trip whose final state has
// been uploaded
func eligible(t *models.Trip) (string, bool) {
	if t.State != models.TripCompleted || !t.IsSynced {
		return "", false
	}
	id, ok := t.Identity().(models.Synced)
	if !ok {
		return "", false
	}
	return id.ServerID, true
}
