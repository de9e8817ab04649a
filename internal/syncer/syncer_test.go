package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trip-tracker/internal/database"
	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/timeutil"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// fakeRemote is an idempotent server of record with failure injection
type fakeRemote struct {
	mu        sync.Mutex
	trips     map[string]string // local ID -> server ID
	creates   int
	updates   map[string]remote.UpdateTripRequest
	events    map[string]remote.CreateMovementEventRequest
	uploads   map[string]int
	batches   [][]string
	failTrip  map[string]bool // local IDs whose creation fails
	failPatch map[string]int  // server ID -> remaining failures
	reject    map[string]int  // event ID -> remaining rejections
	lostAck   bool            // store the batch, then fail the call
	block     bool            // hang until the call times out
	onUpdate  func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		trips:     make(map[string]string),
		updates:   make(map[string]remote.UpdateTripRequest),
		events:    make(map[string]remote.CreateMovementEventRequest),
		uploads:   make(map[string]int),
		failTrip:  make(map[string]bool),
		failPatch: make(map[string]int),
		reject:    make(map[string]int),
	}
}

func (f *fakeRemote) CreateTrip(_ context.Context, req remote.CreateTripRequest) (*remote.CreateTripResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTrip[req.LocalTripID] {
		return nil, &remote.APIError{StatusCode: 503, Message: "unavailable"}
	}
	id, ok := f.trips[req.LocalTripID]
	if !ok {
		id = "srv-" + req.LocalTripID
		f.trips[req.LocalTripID] = id
		f.creates++
	}
	return &remote.CreateTripResponse{TripID: id, LocalTripID: req.LocalTripID}, nil
}

func (f *fakeRemote) UpdateTrip(_ context.Context, serverID string, req remote.UpdateTripRequest) (*remote.TripDto, error) {
	f.mu.Lock()
	hook := f.onUpdate
	f.onUpdate = nil
	if f.failPatch[serverID] > 0 {
		f.failPatch[serverID]--
		f.mu.Unlock()
		return nil, &remote.APIError{StatusCode: 500, Message: "patch failed"}
	}
	f.updates[serverID] = req
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &remote.TripDto{TripID: serverID, Status: req.Status}, nil
}

func (f *fakeRemote) UploadEvents(ctx context.Context, events []remote.CreateMovementEventRequest) (*remote.BatchMovementEventsResponse, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	resp := &remote.BatchMovementEventsResponse{}
	for _, e := range events {
		ids = append(ids, e.EventID)
		f.uploads[e.EventID]++
		if f.reject[e.EventID] > 0 {
			f.reject[e.EventID]--
			resp.FailedCount++
			resp.Errors = append(resp.Errors, remote.BatchEventError{EventID: e.EventID, Error: "INVALID", Message: "rejected"})
			continue
		}
		f.events[e.EventID] = e
		resp.ProcessedCount++
	}
	f.batches = append(f.batches, ids)
	if f.lostAck {
		return nil, errors.New("connection reset")
	}
	return resp, nil
}

type fixture struct {
	store  *repository.Store
	remote *fakeRemote
	clock  *timeutil.MockClock
	rec    *Reconciler
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "trips.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := Config{DeviceID: "dev-1", BatchSize: 50, TripLimit: 50, RequestTimeout: time.Second, Retry: DefaultRetryPolicy()}
	if tweak != nil {
		tweak(&cfg)
	}
	f := &fixture{
		store:  repository.NewStore(db),
		remote: newFakeRemote(),
		clock:  timeutil.NewMockClock(t0.Add(6 * time.Hour)),
	}
	f.rec = NewReconciler(cfg, f.store.Trips, f.store.Events, f.remote, f.clock)
	return f
}

func (f *fixture) addTrip(t *testing.T, id string, start time.Time, completed bool) *models.Trip {
	t.Helper()
	tr := models.NewTrip(id, start, &models.LatLng{Lat: 51.5, Lon: -0.12}, models.ModeWalking, models.TriggerActivityDetection)
	if completed {
		end := start.Add(30 * time.Minute)
		tr.State = models.TripCompleted
		tr.EndTime = &end
		tr.EndTrigger = models.TriggerStationaryDetection
		tr.DominantMode = models.ModeWalking
		tr.ModeBreakdown = map[models.TransportMode]float64{models.ModeWalking: 100}
	}
	require.NoError(t, f.store.Apply(context.Background(), models.Change{Trip: tr}))
	return tr
}

func (f *fixture) addEvent(t *testing.T, id, tripID string, ts time.Time) {
	t.Helper()
	ev := &models.MovementEvent{
		ID:              id,
		TripID:          tripID,
		Timestamp:       ts,
		PreviousMode:    models.ModeStationary,
		NewMode:         models.ModeWalking,
		DetectionSource: models.SourceActivityRecognition,
		Confidence:      0.9,
	}
	require.NoError(t, f.store.Apply(context.Background(), models.Change{Event: ev}))
}

func (f *fixture) trip(t *testing.T, id string) *models.Trip {
	t.Helper()
	tr, err := f.store.Trips.GetTripByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tr)
	return tr
}

func (f *fixture) event(t *testing.T, id string) models.MovementEvent {
	t.Helper()
	events, err := f.store.Events.GetEvents(context.Background(), models.EventFilter{})
	require.NoError(t, err)
	for _, e := range events {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("event %s not found", id)
	return models.MovementEvent{}
}

func requireOutcome(t *testing.T, want OutcomeKind, got Outcome, ok bool) {
	t.Helper()
	require.True(t, ok, "no outcome recorded")
	assert.Equal(t, want, got.Kind, "outcome error: %v", got.Err)
}

func TestPartialTripFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	for i, id := range []string{"trip-1", "trip-2", "trip-3"} {
		start := t0.Add(time.Duration(i) * time.Hour)
		f.addTrip(t, id, start, true)
		f.addEvent(t, id+"-a", id, start.Add(time.Minute))
		f.addEvent(t, id+"-b", id, start.Add(2*time.Minute))
	}
	f.remote.failTrip["trip-2"] = true

	report, err := f.rec.SyncOnce(ctx)
	require.NoError(t, err)

	o, ok := report.TripOutcome("trip-1")
	requireOutcome(t, OutcomeOK, o, ok)
	o, ok = report.TripOutcome("trip-2")
	requireOutcome(t, OutcomeFailed, o, ok)
	assert.Equal(t, 503, remote.StatusCode(o.Err))
	o, ok = report.TripOutcome("trip-3")
	requireOutcome(t, OutcomeOK, o, ok)

	_, okEvents := report.Count(OutcomeOK)
	assert.Equal(t, 4, okEvents)
	assert.Equal(t, 2, report.EventsDeferred, "trip-2 events wait for its server id")

	assert.True(t, f.trip(t, "trip-1").IsSynced)
	assert.True(t, f.trip(t, "trip-3").IsSynced)
	failedTrip := f.trip(t, "trip-2")
	assert.False(t, failedTrip.IsSynced)
	assert.Equal(t, 1, failedTrip.SyncAttempts)
	require.NotNil(t, failedTrip.NextSyncAt)
	assert.Equal(t, f.clock.Now().Add(time.Second), *failedTrip.NextSyncAt)
	assert.Contains(t, failedTrip.LastSyncError, "unavailable")
	assert.IsType(t, models.Unsynced{}, failedTrip.Identity())

	// Backoff hides the trip until it is due, then it is listed again
	due, err := f.store.Trips.Unsynced(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = f.store.Trips.Unsynced(ctx, f.clock.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "trip-2", due[0].ID)

	f.remote.mu.Lock()
	delete(f.remote.failTrip, "trip-2")
	f.remote.mu.Unlock()
	f.clock.Advance(time.Second)

	report, err = f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	o, ok = report.TripOutcome("trip-2")
	requireOutcome(t, OutcomeOK, o, ok)
	_, okEvents = report.Count(OutcomeOK)
	assert.Equal(t, 2, okEvents)
	assert.Zero(t, report.EventsDeferred)
	assert.Equal(t, models.Synced{LocalID: "trip-2", ServerID: "srv-trip-2"}, f.trip(t, "trip-2").Identity())

	counts, err := f.store.SyncCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.UnsyncedTrips)
	assert.Zero(t, counts.UnsyncedEvents)
}

func TestLostAcknowledgementIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	f.addTrip(t, "trip-1", t0, true)
	f.addEvent(t, "ev-1", "trip-1", t0.Add(time.Minute))
	f.addEvent(t, "ev-2", "trip-1", t0.Add(2*time.Minute))
	f.remote.failPatch["srv-trip-1"] = 1
	f.remote.lostAck = true

	report, err := f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	o, ok := report.TripOutcome("trip-1")
	requireOutcome(t, OutcomeFailed, o, ok)
	o, ok = report.EventOutcome("ev-1")
	requireOutcome(t, OutcomeFailed, o, ok)
	assert.ErrorIs(t, o.Err, ErrBatchFailed)

	// The server identity survives the failed update
	assert.Equal(t, models.Synced{LocalID: "trip-1", ServerID: "srv-trip-1"}, f.trip(t, "trip-1").Identity())

	f.remote.mu.Lock()
	f.remote.lostAck = false
	f.remote.mu.Unlock()
	f.clock.Advance(time.Second)

	report, err = f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	trips, events := report.Count(OutcomeOK)
	assert.Equal(t, 1, trips)
	assert.Equal(t, 2, events)

	assert.Equal(t, 1, f.remote.creates, "no duplicate trip")
	assert.Len(t, f.remote.events, 2, "no duplicate events")
	assert.Equal(t, 2, f.remote.uploads["ev-1"])
	assert.True(t, f.trip(t, "trip-1").IsSynced)
	assert.True(t, f.event(t, "ev-2").IsSynced)

	// Nothing left to do
	report, err = f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Trips)
	assert.Empty(t, report.Events)
	assert.Equal(t, 1, f.remote.creates)
}

func TestBatchTimeoutFailsWholeBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.RequestTimeout = 20 * time.Millisecond })

	f.addTrip(t, "trip-1", t0, true)
	f.addEvent(t, "ev-1", "trip-1", t0.Add(time.Minute))
	f.addEvent(t, "ev-2", "trip-1", t0.Add(2*time.Minute))
	f.remote.block = true

	report, err := f.rec.SyncOnce(ctx)
	require.NoError(t, err)

	o, ok := report.TripOutcome("trip-1")
	requireOutcome(t, OutcomeOK, o, ok)
	for _, id := range []string{"ev-1", "ev-2"} {
		o, ok := report.EventOutcome(id)
		requireOutcome(t, OutcomeFailed, o, ok)
		assert.ErrorIs(t, o.Err, ErrBatchFailed)
		assert.ErrorIs(t, o.Err, context.DeadlineExceeded)

		ev := f.event(t, id)
		assert.False(t, ev.IsSynced)
		assert.Equal(t, 1, ev.SyncAttempts)
		assert.NotEmpty(t, ev.LastSyncError)
	}
	assert.Equal(t, 1, report.Batches)
}

func TestRejectedEventHoldsBackLaterEventsOfItsTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	f.addTrip(t, "trip-1", t0, true)
	f.addTrip(t, "trip-2", t0.Add(time.Minute), true)
	f.addEvent(t, "ev-1", "trip-1", t0.Add(time.Minute))
	f.addEvent(t, "ev-2", "trip-1", t0.Add(2*time.Minute))
	f.addEvent(t, "ev-3", "trip-1", t0.Add(3*time.Minute))
	f.addEvent(t, "ev-4", "trip-2", t0.Add(150*time.Second))
	f.remote.reject["ev-2"] = 1

	report, err := f.rec.SyncOnce(ctx)
	require.NoError(t, err)

	for id, want := range map[string]OutcomeKind{
		"ev-1": OutcomeOK,
		"ev-2": OutcomeFailed,
		"ev-3": OutcomeDeferred,
		"ev-4": OutcomeOK,
	} {
		o, ok := report.EventOutcome(id)
		requireOutcome(t, want, o, ok)
	}
	assert.True(t, f.event(t, "ev-1").IsSynced)
	assert.Equal(t, 1, f.event(t, "ev-2").SyncAttempts)
	held := f.event(t, "ev-3")
	assert.False(t, held.IsSynced)
	assert.Zero(t, held.SyncAttempts)

	// While ev-2 backs off, ev-3 is not offered again
	pending, err := f.store.Events.Unsynced(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.clock.Advance(time.Second)
	report, err = f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	_, okEvents := report.Count(OutcomeOK)
	assert.Equal(t, 2, okEvents)
	assert.Equal(t, []string{"ev-2", "ev-3"}, f.remote.batches[len(f.remote.batches)-1])
	assert.True(t, f.event(t, "ev-3").IsSynced)
	assert.Equal(t, 2, f.remote.uploads["ev-3"])
}

func TestBatchesAreBoundedBySize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.BatchSize = 2 })

	f.addTrip(t, "trip-1", t0, true)
	for i, id := range []string{"ev-1", "ev-2", "ev-3", "ev-4", "ev-5"} {
		f.addEvent(t, id, "trip-1", t0.Add(time.Duration(i+1)*time.Minute))
	}

	report, err := f.rec.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, [][]string{{"ev-1", "ev-2"}, {"ev-3", "ev-4"}, {"ev-5"}}, f.remote.batches)
}

func TestTripChangedDuringUploadStaysUnsynced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	f.addTrip(t, "trip-1", t0, false)
	f.remote.onUpdate = func() {
		tr := f.trip(t, "trip-1")
		tr.LocationCount++
		assert.NoError(t, f.store.Apply(ctx, models.Change{Trip: tr}))
	}

	report, err := f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	o, ok := report.TripOutcome("trip-1")
	requireOutcome(t, OutcomeDeferred, o, ok)

	tr := f.trip(t, "trip-1")
	assert.False(t, tr.IsSynced)
	assert.Equal(t, int64(2), tr.Revision)
	assert.Zero(t, tr.SyncAttempts, "not a failure")

	report, err = f.rec.SyncOnce(ctx)
	require.NoError(t, err)
	o, ok = report.TripOutcome("trip-1")
	requireOutcome(t, OutcomeOK, o, ok)
	assert.Equal(t, 1, f.remote.updates["srv-trip-1"].Statistics.LocationCount)
	assert.Equal(t, "ACTIVE", f.remote.updates["srv-trip-1"].Status)
}

func TestOrphanEventsSyncWithoutTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.addEvent(t, "ev-1", "", t0)

	report, err := f.rec.SyncOnce(context.Background())
	require.NoError(t, err)
	o, ok := report.EventOutcome("ev-1")
	requireOutcome(t, OutcomeOK, o, ok)
	assert.Empty(t, f.remote.events["ev-1"].TripID)
}

func TestRetryPolicyNextAttempt(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{500, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextAttempt(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestWorkerRunsOnInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	w := NewWorker(f.rec, time.Minute, f.clock)
	start := f.clock.Now()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		r, _ := w.Last()
		return r != nil
	}, 2*time.Second, 5*time.Millisecond, "first pass runs at start")

	f.addTrip(t, "trip-1", t0, true)
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		r, _ := w.Last()
		return r != nil && r.StartedAt.Equal(start.Add(time.Minute)) && len(r.Trips) == 1
	}, 2*time.Second, 5*time.Millisecond, "ticker pass picks up the new trip")

	assert.True(t, w.IsRunning())
	w.Stop()
	w.Stop()
	require.NoError(t, <-done)
	assert.False(t, w.IsRunning())
}
