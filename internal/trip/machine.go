// Package trip implements the trip lifecycle state machine.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/spatial"
)

// Errors returned by the machine
var (
	ErrTripActive     = errors.New("a trip is already active")
	ErrNoActiveTrip   = errors.New("no active trip")
	ErrPersistence    = errors.New("failed to persist trip state")
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// Store persists machine output. Apply must commit every part of a change
// or none of it.
type Store interface {
	Apply(ctx context.Context, change models.Change) error
	ActiveTrip(ctx context.Context) (*models.Trip, error)
}

// Config tunes the machine
type Config struct {
	DeviceID     string
	VehicleGrace time.Duration // Grace after DRIVING or TRANSIT
	WalkingGrace time.Duration // Grace after any other mode
	Outliers     spatial.OutlierThresholds
}

// FromConfig converts the file configuration
func FromConfig(c config.TripConfig, deviceID string) Config {
	return Config{
		DeviceID:     deviceID,
		VehicleGrace: c.VehicleGrace.D(),
		WalkingGrace: c.WalkingGrace.D(),
		Outliers: spatial.OutlierThresholds{
			MaxSpeedMPS:   c.MaxSpeedMPS,
			MaxAccuracyM:  c.MaxAccuracyMeters,
			JumpDistanceM: c.JumpDistanceMeters,
			JumpTimeS:     c.JumpTimeSeconds,
		},
	}
}

// Machine owns the open trip. Every operation builds the next state on a
// copy, persists it, and only then adopts it. It is not safe for concurrent
// use; the tracker goroutine owns it.
type Machine struct {
	store  Store
	cfg    Config
	filter *spatial.Filter

	trip       *models.Trip // nil while IDLE
	mode       models.TransportMode
	lastSample *models.LocationSample // Last accepted fix, in or out of a trip
}

// NewMachine creates an IDLE machine
func NewMachine(store Store, cfg Config) *Machine {
	return &Machine{
		store:  store,
		cfg:    cfg,
		filter: spatial.NewFilter(cfg.Outliers),
		mode:   models.ModeStationary,
	}
}

// SetConfig swaps tuning. An armed grace deadline keeps its value.
func (m *Machine) SetConfig(cfg Config) {
	m.cfg = cfg
	m.filter = spatial.NewFilter(cfg.Outliers)
}

// State returns the lifecycle state, IDLE when no trip is open
func (m *Machine) State() models.TripState {
	if m.trip == nil {
		return models.TripIdle
	}
	return m.trip.State
}

// Trip returns a copy of the open trip, or nil
func (m *Machine) Trip() *models.Trip {
	return m.trip.Clone()
}

// CurrentMode returns the last confirmed mode
func (m *Machine) CurrentMode() models.TransportMode {
	return m.mode
}

// GraceDeadline returns when a pending stop completes, or nil
func (m *Machine) GraceDeadline() *time.Time {
	if m.trip == nil || m.trip.State != models.TripPendingEnd || m.trip.GraceDeadline == nil {
		return nil
	}
	d := *m.trip.GraceDeadline
	return &d
}

// LastSample returns the last accepted location fix, or nil
func (m *Machine) LastSample() *models.LocationSample {
	if m.lastSample == nil {
		return nil
	}
	s := *m.lastSample
	return &s
}

// Restore adopts the open trip left in the store by a previous run
func (m *Machine) Restore(ctx context.Context) (*models.Trip, error) {
	t, err := m.store.ActiveTrip(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore trip: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	m.trip = t
	m.mode = t.CurrentMode
	if t.LastLocation != nil {
		m.lastSample = &models.LocationSample{
			TripID:    t.ID,
			Timestamp: t.AccruedUntil,
			Lat:       t.LastLocation.Lat,
			Lon:       t.LastLocation.Lon,
		}
	}
	log.Printf("[TripMachine] Restored trip %s (state=%s, mode=%s)", t.ID, t.State, t.CurrentMode)
	return t.Clone(), nil
}

// HandleEvent applies a confirmed transition. It returns the trip completed
// along the way, if a pending stop had already run out.
func (m *Machine) HandleEvent(ctx context.Context, ev *models.MovementEvent) (*models.Trip, error) {
	completed, err := m.Expire(ctx, ev.Timestamp)
	if err != nil {
		return nil, err
	}

	ev.DeviceID = m.cfg.DeviceID
	if m.lastSample != nil && ev.Location != nil {
		d := spatial.Distance(m.lastSample.LatLng(), models.LatLng{Lat: ev.Location.Lat, Lon: ev.Location.Lon})
		since := ev.Timestamp.Sub(m.lastSample.Timestamp).Milliseconds()
		ev.DistanceFromLastLocation = &d
		ev.TimeSinceLastLocation = &since
	}

	if m.trip == nil {
		if ev.NewMode == models.ModeStationary {
			// Observed outside a trip; recorded without a trip
			ev.TripID = ""
			if err := m.persist(ctx, models.Change{Event: ev}); err != nil {
				return completed, err
			}
			m.mode = ev.NewMode
			return completed, nil
		}
		return completed, m.startFromEvent(ctx, ev)
	}

	next := m.trip.Clone()
	accrue(next, ev.Timestamp)
	prev := next.CurrentMode
	next.CurrentMode = ev.NewMode
	next.AddMode(ev.NewMode)
	next.MovementEventCount++
	next.UpdatedAt = ev.Timestamp

	switch {
	case ev.NewMode == models.ModeStationary && next.State == models.TripActive:
		deadline := ev.Timestamp.Add(m.grace(prev))
		since := ev.Timestamp
		next.State = models.TripPendingEnd
		next.PendingSince = &since
		next.GraceDeadline = &deadline
	case ev.NewMode != models.ModeStationary && next.State == models.TripPendingEnd:
		next.State = models.TripActive
		next.PendingSince = nil
		next.GraceDeadline = nil
	}

	ev.TripID = next.ID
	if err := m.persist(ctx, models.Change{Trip: next, Event: ev}); err != nil {
		return completed, err
	}
	m.adopt(next)

	switch next.State {
	case models.TripPendingEnd:
		if prev != models.ModeStationary {
			log.Printf("[TripMachine] Trip %s pending end until %s", next.ID, next.GraceDeadline.Format(time.RFC3339))
		}
	case models.TripActive:
		if prev == models.ModeStationary {
			log.Printf("[TripMachine] Trip %s resumed with %s", next.ID, next.CurrentMode)
		}
	}
	return completed, nil
}

// HandleLocation applies a GPS fix. It reports whether the fix passed the
// outlier filter, and returns any trip completed along the way.
func (m *Machine) HandleLocation(ctx context.Context, sample models.LocationSample) (bool, *models.Trip, error) {
	if reasons := m.filter.Check(m.lastSample, sample); len(reasons) > 0 {
		log.Printf("[TripMachine] Rejected fix at %s: %v", sample.Timestamp.Format(time.RFC3339), reasons)
		return false, nil, nil
	}

	completed, err := m.Expire(ctx, sample.Timestamp)
	if err != nil {
		return false, nil, err
	}

	if m.trip == nil {
		s := sample
		s.TripID = ""
		m.lastSample = &s
		return true, completed, nil
	}

	next := m.trip.Clone()
	loc := sample.LatLng()
	if next.LastLocation != nil {
		next.TotalDistanceMeters += spatial.Distance(*next.LastLocation, loc)
	}
	if next.StartLocation == nil {
		start := loc
		next.StartLocation = &start
	}
	next.LastLocation = &loc
	next.LocationCount++
	accrue(next, sample.Timestamp)
	next.UpdatedAt = sample.Timestamp

	sample.TripID = next.ID
	sample.Mode = next.CurrentMode
	if err := m.persist(ctx, models.Change{Trip: next, Sample: &sample}); err != nil {
		return false, completed, err
	}
	m.adopt(next)
	m.lastSample = &sample
	return true, completed, nil
}

// Start opens a trip on an explicit trigger
func (m *Machine) Start(ctx context.Context, now time.Time, trigger models.TripTrigger) (*models.Trip, error) {
	if m.trip != nil {
		return nil, ErrTripActive
	}
	if !trigger.IsStartTrigger() {
		return nil, fmt.Errorf("%w: %s cannot start a trip", ErrInvalidTrigger, trigger)
	}

	mode := m.mode
	if mode == models.ModeStationary || mode == "" {
		mode = models.ModeUnknown
	}
	t := models.NewTrip(uuid.NewString(), now, m.lastLocation(), mode, trigger)
	if err := m.persist(ctx, models.Change{Trip: t}); err != nil {
		return nil, err
	}
	m.adopt(t)
	log.Printf("[TripMachine] Started trip %s (trigger=%s)", t.ID, trigger)
	return t.Clone(), nil
}

// Stop completes the open trip at now
func (m *Machine) Stop(ctx context.Context, now time.Time, trigger models.TripTrigger) (*models.Trip, error) {
	if m.trip == nil {
		return nil, ErrNoActiveTrip
	}
	if !trigger.IsEndTrigger() {
		return nil, fmt.Errorf("%w: %s cannot end a trip", ErrInvalidTrigger, trigger)
	}
	if now.Before(m.trip.AccruedUntil) {
		now = m.trip.AccruedUntil
	}
	return m.complete(ctx, m.endTime(now), trigger)
}

// Expire completes a pending trip whose grace deadline is at or before now.
// It returns nil when nothing expired.
func (m *Machine) Expire(ctx context.Context, now time.Time) (*models.Trip, error) {
	deadline := m.GraceDeadline()
	if deadline == nil || now.Before(*deadline) {
		return nil, nil
	}
	return m.complete(ctx, m.endTime(*deadline), models.TriggerStationaryDetection)
}

// endTime is when the open trip ends if completed at now. A pending trip
// ends when it came to rest, so the grace period is not trip time.
func (m *Machine) endTime(now time.Time) time.Time {
	if m.trip.State == models.TripPendingEnd && m.trip.PendingSince != nil {
		return *m.trip.PendingSince
	}
	return now
}

func (m *Machine) startFromEvent(ctx context.Context, ev *models.MovementEvent) error {
	t := models.NewTrip(uuid.NewString(), ev.Timestamp, m.lastLocation(), ev.NewMode, startTrigger(ev))
	t.MovementEventCount = 1
	ev.TripID = t.ID
	if err := m.persist(ctx, models.Change{Trip: t, Event: ev}); err != nil {
		return err
	}
	m.adopt(t)
	log.Printf("[TripMachine] Started trip %s with %s (trigger=%s)", t.ID, t.CurrentMode, t.StartTrigger)
	return nil
}

func (m *Machine) complete(ctx context.Context, end time.Time, trigger models.TripTrigger) (*models.Trip, error) {
	next := m.trip.Clone()
	settle(next, end)
	next.State = models.TripCompleted
	next.EndTime = &end
	next.EndTrigger = trigger
	next.PendingSince = nil
	next.GraceDeadline = nil
	switch {
	case next.LastLocation != nil:
		loc := *next.LastLocation
		next.EndLocation = &loc
	case next.StartLocation != nil:
		loc := *next.StartLocation
		next.EndLocation = &loc
	}
	next.ModeBreakdown, next.DominantMode = Breakdown(next.ModeDurations, next.CurrentMode)
	for mode, ms := range next.ModeDurations {
		if ms > 0 {
			next.AddMode(mode)
		}
	}
	next.UpdatedAt = end

	if err := m.persist(ctx, models.Change{Trip: next}); err != nil {
		return nil, err
	}
	m.trip = nil
	m.mode = models.ModeStationary
	log.Printf("[TripMachine] Completed trip %s (trigger=%s, distance=%.0fm, dominant=%s)",
		next.ID, trigger, next.TotalDistanceMeters, next.DominantMode)
	return next.Clone(), nil
}

func (m *Machine) adopt(t *models.Trip) {
	m.trip = t
	m.mode = t.CurrentMode
}

func (m *Machine) persist(ctx context.Context, change models.Change) error {
	if err := m.store.Apply(ctx, change); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (m *Machine) grace(prev models.TransportMode) time.Duration {
	if prev.IsVehicle() {
		return m.cfg.VehicleGrace
	}
	return m.cfg.WalkingGrace
}

func (m *Machine) lastLocation() *models.LatLng {
	if m.lastSample == nil {
		return nil
	}
	loc := m.lastSample.LatLng()
	return &loc
}

// accrue credits the time since the last accrual to the current mode
func accrue(t *models.Trip, until time.Time) {
	if !until.After(t.AccruedUntil) {
		return
	}
	if t.ModeDurations == nil {
		t.ModeDurations = make(map[models.TransportMode]int64)
	}
	t.ModeDurations[t.CurrentMode] += until.Sub(t.AccruedUntil).Milliseconds()
	t.AccruedUntil = until
}

// settle brings accrual to exactly until. Time already credited past until
// belongs to the current mode and is taken back.
func settle(t *models.Trip, until time.Time) {
	if !t.AccruedUntil.After(until) {
		accrue(t, until)
		return
	}
	excess := t.AccruedUntil.Sub(until).Milliseconds()
	if left := t.ModeDurations[t.CurrentMode] - excess; left > 0 {
		t.ModeDurations[t.CurrentMode] = left
	} else {
		delete(t.ModeDurations, t.CurrentMode)
	}
	t.AccruedUntil = until
}

func startTrigger(ev *models.MovementEvent) models.TripTrigger {
	switch {
	case ev.DetectionSource == models.SourceGeofence:
		return models.TriggerGeofenceExit
	case ev.DetectionSource == models.SourceManual:
		return models.TriggerManual
	case ev.Telemetry != nil && ev.Telemetry.SignificantMotion != nil && *ev.Telemetry.SignificantMotion:
		return models.TriggerSignificantMotion
	}
	return models.TriggerActivityDetection
}
