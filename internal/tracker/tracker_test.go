package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/fusion"
	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/timeutil"
	"github.com/jengzang/trip-tracker/internal/trip"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type memStore struct {
	mu       sync.Mutex
	trips    map[string]*models.Trip
	events   int
	calls    int
	failNext int
}

func newMemStore() *memStore {
	return &memStore{trips: make(map[string]*models.Trip)}
}

func (s *memStore) Apply(_ context.Context, c models.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("database is locked")
	}
	if c.Trip != nil {
		c.Trip.Revision++
		s.trips[c.Trip.ID] = c.Trip.Clone()
	}
	if c.Event != nil {
		s.events++
	}
	return nil
}

func (s *memStore) ActiveTrip(context.Context) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trips {
		if t.IsOpen() {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memStore) applyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *memStore) only(t *testing.T) *models.Trip {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.trips, 1)
	for _, tr := range s.trips {
		return tr.Clone()
	}
	return nil
}

type harness struct {
	tracker *Tracker
	clock   *timeutil.MockClock
	store   *memStore
	cancel  context.CancelFunc
	stopped chan struct{}
}

func startTracker(t *testing.T, store *memStore, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Device.ID = "dev-1"
	if tweak != nil {
		tweak(cfg)
	}
	tuning := TuningFromConfig(cfg)
	clock := timeutil.NewMockClock(t0)
	tr := New(tuning.Tracker, fusion.NewEngine(tuning.Fusion), trip.NewMachine(store, tuning.Trip), clock)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{tracker: tr, clock: clock, store: store, cancel: cancel, stopped: make(chan struct{})}
	go func() {
		defer close(h.stopped)
		assert.NoError(t, tr.Run(ctx))
	}()
	t.Cleanup(func() { h.stop(t) })

	// The first answered request means the loop and its ticker exist
	_, err := tr.Status(context.Background())
	require.NoError(t, err)
	return h
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case <-h.stopped:
	case <-time.After(waitFor):
		t.Fatal("tracker did not stop")
	}
}

func (h *harness) status(t *testing.T) *Status {
	t.Helper()
	s, err := h.tracker.Status(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) eventually(t *testing.T, cond func(*Status) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.tracker.Status(context.Background())
		return err == nil && cond(s)
	}, waitFor, 5*time.Millisecond, msg)
}

func proposal(mode models.TransportMode, src models.DetectionSource, conf float64, at time.Duration) models.Proposal {
	return models.Proposal{CandidateMode: mode, Source: src, Confidence: conf, Timestamp: t0.Add(at)}
}

func TestPipelineStartsAndEndsTrip(t *testing.T) {
	store := newMemStore()
	h := startTracker(t, store, nil)

	require.True(t, h.tracker.SubmitLocation(models.LocationSample{Timestamp: t0, Lat: 51.5, Lon: -0.12, Accuracy: 5}))
	require.True(t, h.tracker.SubmitProposal(proposal(models.ModeWalking, models.SourceActivityRecognition, 0.95, time.Second)))
	s := h.status(t)
	assert.Equal(t, 1, s.PendingProposals)
	require.NotNil(t, s.LastLocation)

	h.clock.Advance(30 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.State == models.TripActive }, "trip starts at window close")
	s = h.status(t)
	assert.Equal(t, models.ModeWalking, s.CurrentMode)
	require.NotNil(t, s.Trip)
	assert.Equal(t, &models.LatLng{Lat: 51.5, Lon: -0.12}, s.Trip.StartLocation)

	require.True(t, h.tracker.SubmitProposal(proposal(models.ModeStationary, models.SourceSensorFusion, 0.95, 40*time.Second)))
	h.status(t)
	h.clock.Advance(30 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.State == models.TripPendingEnd }, "stillness starts the grace period")
	s = h.status(t)
	require.NotNil(t, s.GraceDeadline)
	assert.Equal(t, t0.Add(2*time.Minute), *s.GraceDeadline)

	h.clock.Advance(time.Minute)
	h.eventually(t, func(s *Status) bool { return s.State == models.TripIdle }, "grace timer completes the trip")

	done := store.only(t)
	assert.Equal(t, models.TripCompleted, done.State)
	assert.Equal(t, models.TriggerStationaryDetection, done.EndTrigger)
	require.NotNil(t, done.EndTime)
	assert.Equal(t, t0.Add(time.Minute), *done.EndTime, "grace period is not trip time")
	assert.ElementsMatch(t, []models.TransportMode{models.ModeWalking, models.ModeStationary}, done.ModesUsed)
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	store := newMemStore()
	h := startTracker(t, store, nil)
	base := store.applyCalls()

	store.mu.Lock()
	store.failNext = 2
	store.mu.Unlock()

	require.True(t, h.tracker.SubmitProposal(proposal(models.ModeDriving, models.SourceSpeedBased, 0.95, time.Second)))
	h.status(t)
	h.clock.Advance(30 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.PendingWrites == 1 }, "failed write is kept")
	assert.Equal(t, models.TripIdle, h.status(t).State)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return store.applyCalls() == base+2 }, waitFor, 5*time.Millisecond)

	h.clock.Advance(5 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.State == models.TripActive && s.PendingWrites == 0 }, "third attempt succeeds")
	assert.Equal(t, models.ModeDriving, h.status(t).CurrentMode)
}

func TestPersistenceFailureGivesUp(t *testing.T) {
	store := newMemStore()
	h := startTracker(t, store, func(c *config.Config) { c.Trip.MaxPersistAttempts = 2 })

	store.mu.Lock()
	store.failNext = 100
	store.mu.Unlock()

	require.True(t, h.tracker.SubmitProposal(proposal(models.ModeDriving, models.SourceSpeedBased, 0.95, time.Second)))
	h.status(t)
	h.clock.Advance(30 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.PendingWrites == 1 }, "first failure")

	h.clock.Advance(5 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.PendingWrites == 0 }, "write dropped")
	s := h.status(t)
	assert.Equal(t, models.TripIdle, s.State)
	assert.Equal(t, models.ModeStationary, s.CurrentMode)
}

func TestReadsDoNotSpendRetries(t *testing.T) {
	store := newMemStore()
	h := startTracker(t, store, func(c *config.Config) { c.Trip.MaxPersistAttempts = 2 })

	store.mu.Lock()
	store.failNext = 100
	store.mu.Unlock()

	require.True(t, h.tracker.SubmitProposal(proposal(models.ModeDriving, models.SourceSpeedBased, 0.95, time.Second)))
	h.status(t)
	h.clock.Advance(30 * time.Second)
	h.eventually(t, func(s *Status) bool { return s.PendingWrites == 1 }, "first failure")
	calls := store.applyCalls()

	for i := 0; i < 6; i++ {
		s := h.status(t)
		assert.Equal(t, 1, s.PendingWrites, "status poll %d", i)
	}
	cfg := config.Default()
	cfg.Trip.MaxPersistAttempts = 2
	require.NoError(t, h.tracker.UpdateTuning(context.Background(), TuningFromConfig(cfg)))
	require.True(t, h.tracker.SubmitLocation(models.LocationSample{Timestamp: t0.Add(31 * time.Second), Lat: 51.5, Lon: -0.12, Accuracy: 5}))

	s := h.status(t)
	assert.Equal(t, 2, s.PendingWrites, "new writes queue behind the failed one")
	assert.Equal(t, calls, store.applyCalls(), "only ticks retry")
	assert.Equal(t, models.TripIdle, s.State)
}

func TestExplicitStartStop(t *testing.T) {
	store := newMemStore()
	h := startTracker(t, store, nil)
	ctx := context.Background()

	_, err := h.tracker.StopTrip(ctx, models.TriggerManual)
	require.ErrorIs(t, err, trip.ErrNoActiveTrip)

	started, err := h.tracker.StartTrip(ctx, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.ModeUnknown, started.CurrentMode)

	_, err = h.tracker.StartTrip(ctx, models.TriggerManual)
	require.ErrorIs(t, err, trip.ErrTripActive)

	h.clock.Advance(5 * time.Minute)
	done, err := h.tracker.StopTrip(ctx, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, started.ID, done.ID)
	assert.Equal(t, t0.Add(5*time.Minute), *done.EndTime)
}

func TestShutdownCompletesTrip(t *testing.T) {
	store := newMemStore()
	h := startTracker(t, store, func(c *config.Config) { c.Trip.StopOnShutdown = true })

	_, err := h.tracker.StartTrip(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	h.stop(t)
	done := store.only(t)
	assert.Equal(t, models.TripCompleted, done.State)
	assert.Equal(t, models.TriggerAppShutdown, done.EndTrigger)

	_, err = h.tracker.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRestoreCompletesExpiredTrip(t *testing.T) {
	store := newMemStore()
	pending := models.NewTrip("trip-1", t0.Add(-time.Hour), nil, models.ModeWalking, models.TriggerManual)
	since := t0.Add(-10 * time.Minute)
	deadline := since.Add(time.Minute)
	pending.State = models.TripPendingEnd
	pending.CurrentMode = models.ModeStationary
	pending.PendingSince = &since
	pending.GraceDeadline = &deadline
	store.trips[pending.ID] = pending

	h := startTracker(t, store, nil)
	assert.Equal(t, models.TripIdle, h.status(t).State)

	done := store.only(t)
	assert.Equal(t, models.TripCompleted, done.State)
	assert.Equal(t, since, *done.EndTime)
}

func TestRestoreRearmsGraceTimer(t *testing.T) {
	store := newMemStore()
	pending := models.NewTrip("trip-1", t0.Add(-time.Hour), nil, models.ModeDriving, models.TriggerManual)
	since := t0.Add(-30 * time.Second)
	deadline := t0.Add(time.Minute)
	pending.State = models.TripPendingEnd
	pending.CurrentMode = models.ModeStationary
	pending.PendingSince = &since
	pending.GraceDeadline = &deadline
	store.trips[pending.ID] = pending

	h := startTracker(t, store, nil)
	assert.Equal(t, models.TripPendingEnd, h.status(t).State)
	assert.Equal(t, 1, h.clock.PendingTimers())

	h.clock.Advance(time.Minute)
	h.eventually(t, func(s *Status) bool { return s.State == models.TripIdle }, "restored deadline fires")
}

func TestInboxDropsWhenFull(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Trip.InboxSize = 1
	tuning := TuningFromConfig(cfg)
	tr := New(tuning.Tracker, fusion.NewEngine(tuning.Fusion), trip.NewMachine(newMemStore(), tuning.Trip), timeutil.NewMockClock(t0))

	assert.True(t, tr.SubmitProposal(proposal(models.ModeWalking, models.SourceManual, 1, 0)))
	assert.False(t, tr.SubmitLocation(models.LocationSample{Timestamp: t0}))
	assert.Equal(t, int64(1), tr.Dropped())
}

func TestLocationInterval(t *testing.T) {
	t.Parallel()

	tuning := TuningFromConfig(config.Default())
	tr := New(tuning.Tracker, nil, nil, nil)
	assert.Equal(t, 165*time.Second, tr.locationInterval(models.ModeDriving))
	assert.Equal(t, 5*time.Minute, tr.locationInterval(models.ModeWalking))

	tr.cfg.BaseLocationInterval = 30 * time.Second
	assert.Equal(t, time.Minute, tr.locationInterval(models.ModeTransit), "floor of one minute")
}
