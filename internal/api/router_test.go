package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/database"
	"github.com/jengzang/trip-tracker/internal/fusion"
	"github.com/jengzang/trip-tracker/internal/handler"
	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/motion"
	"github.com/jengzang/trip-tracker/internal/pathcorrection"
	"github.com/jengzang/trip-tracker/internal/ratelimit"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/internal/syncer"
	"github.com/jengzang/trip-tracker/internal/timeutil"
	"github.com/jengzang/trip-tracker/internal/tracker"
	"github.com/jengzang/trip-tracker/internal/trip"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type fakeSyncer struct {
	mu     sync.Mutex
	passes int
	last   *syncer.Report
}

func (f *fakeSyncer) RunOnce(context.Context) (*syncer.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	f.last = &syncer.Report{
		StartedAt:  t0,
		FinishedAt: t0,
		Trips:      []syncer.RecordResult{{ID: "trip-1", Outcome: syncer.Outcome{Kind: syncer.OutcomeOK}}},
		Batches:    1,
	}
	return f.last, nil
}

func (f *fakeSyncer) Last() (*syncer.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

type fakeRemote struct{}

func (fakeRemote) CorrectPath(_ context.Context, serverID, _ string) (*remote.PathCorrectionResponse, error) {
	return &remote.PathCorrectionResponse{TripID: serverID, Status: remote.CorrectionProcessing}, nil
}

func (fakeRemote) GetTripPath(_ context.Context, serverID string, corrected bool, algorithm string) (*remote.TripPathResponse, error) {
	return &remote.TripPathResponse{TripID: serverID, Path: [][]float64{{51.5, -0.12}}, Corrected: corrected, Algorithm: algorithm}, nil
}

type fixture struct {
	router  *gin.Engine
	store   *repository.Store
	clock   *timeutil.MockClock
	tracker *tracker.Tracker
	syncer  *fakeSyncer
}

func newFixture(t *testing.T, signalLimit int) *fixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "trips.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Device.ID = "dev-1"
	clock := timeutil.NewMockClock(t0)
	store := repository.NewStore(db)

	tuning := tracker.TuningFromConfig(cfg)
	tr := tracker.New(tuning.Tracker, fusion.NewEngine(tuning.Fusion), trip.NewMachine(store, tuning.Trip), clock)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, tr.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	_, err = tr.Status(context.Background())
	require.NoError(t, err)

	sources := motion.NewSources(motion.SettingsFromConfig(cfg))
	signals, err := service.NewSignalService(tr, sources, clock)
	require.NoError(t, err)
	validator, err := handler.NewValidator()
	require.NoError(t, err)

	fs := &fakeSyncer{}
	paths := pathcorrection.New(pathcorrection.Config{Window: time.Hour, Algorithm: "road_snap"}, store.Trips, store.Samples, fakeRemote{}, clock)
	require.NoError(t, paths.Restore(context.Background()))

	trips := service.NewTripService(store, tr, clock)
	syncs := service.NewSyncService(fs, store)
	router := SetupRouter(Handlers{
		Signals: handler.NewSignalHandler(signals, validator),
		Trips:   handler.NewTripHandler(trips, paths),
		Events:  handler.NewEventHandler(trips),
		Sync:    handler.NewSyncHandler(syncs),
		Stats:   handler.NewStatsHandler(trips, service.NewStatusService(tr, syncs)),
	}, ratelimit.New(signalLimit, time.Minute, clock))

	return &fixture{router: router, store: store, clock: clock, tracker: tr, syncer: fs}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if path != "/health" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 100)
	w, _ := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSignalsAreValidated(t *testing.T) {
	f := newFixture(t, 100)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"activity ok", "/api/v1/signals/activity", `{"type":"IN_VEHICLE","confidence":80}`, http.StatusAccepted},
		{"activity confidence out of range", "/api/v1/signals/activity", `{"type":"IN_VEHICLE","confidence":150}`, http.StatusBadRequest},
		{"activity unknown type", "/api/v1/signals/activity", `{"type":"FLYING","confidence":80}`, http.StatusBadRequest},
		{"motion ok", "/api/v1/signals/motion", `{"samples":[{"accel_x":0,"accel_y":0,"accel_z":9.81}]}`, http.StatusAccepted},
		{"motion empty", "/api/v1/signals/motion", `{"samples":[]}`, http.StatusBadRequest},
		{"car ok", "/api/v1/signals/car", `{"link":"CAR_MODE","connected":true}`, http.StatusAccepted},
		{"car unknown link", "/api/v1/signals/car", `{"link":"USB","connected":true}`, http.StatusBadRequest},
		{"car missing connected", "/api/v1/signals/car", `{"link":"BLUETOOTH","device_name":"Audi MMI"}`, http.StatusBadRequest},
		{"location ok", "/api/v1/signals/location", `{"lat":51.5,"lon":-0.12,"accuracy":5}`, http.StatusAccepted},
		{"location bad latitude", "/api/v1/signals/location", `{"lat":95,"lon":-0.12,"accuracy":5}`, http.StatusBadRequest},
		{"location extra field", "/api/v1/signals/location", `{"lat":51.5,"lon":-0.12,"accuracy":5,"trip_id":"x"}`, http.StatusBadRequest},
		{"geofence ok", "/api/v1/signals/geofence", `{"fence_id":"home","transition":"EXIT","mode":"WALKING"}`, http.StatusAccepted},
		{"geofence bad transition", "/api/v1/signals/geofence", `{"fence_id":"home","transition":"LEAVE"}`, http.StatusBadRequest},
		{"manual ok", "/api/v1/signals/manual", `{"mode":"CYCLING"}`, http.StatusAccepted},
		{"manual missing mode", "/api/v1/signals/manual", `{}`, http.StatusBadRequest},
		{"device ok", "/api/v1/signals/device", `{"battery_level":55,"network_type":"WIFI","sensors":{"GEOFENCE":false}}`, http.StatusAccepted},
		{"device unknown sensor", "/api/v1/signals/device", `{"sensors":{"MANUAL":false}}`, http.StatusBadRequest},
		{"not json", "/api/v1/signals/manual", `mode=CYCLING`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusBadRequest {
				assert.Equal(t, http.StatusBadRequest, env.Code)
				assert.NotEmpty(t, env.Error)
			}
		})
	}
}

func TestCarSignalCounted(t *testing.T) {
	f := newFixture(t, 100)

	tests := []struct {
		body    string
		counted bool
	}{
		{`{"link":"BLUETOOTH","connected":true,"device_name":"Galaxy Buds","device_class":1028}`, true},
		{`{"link":"BLUETOOTH","connected":true,"device_name":"Office Speaker","device_class":512}`, false},
		{`{"link":"BLUETOOTH","connected":false}`, true},
	}
	for _, tt := range tests {
		w, env := f.do(t, http.MethodPost, "/api/v1/signals/car", tt.body)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var data struct {
			Counted bool `json:"counted"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, tt.counted, data.Counted, tt.body)
	}
}

func TestLocationReachesTracker(t *testing.T) {
	f := newFixture(t, 100)

	w, _ := f.do(t, http.MethodPost, "/api/v1/signals/location", `{"lat":51.5,"lon":-0.12,"accuracy":5,"speed":1.4}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w, env := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status service.Status
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.NotNil(t, status.Tracker.LastLocation)
	assert.Equal(t, 51.5, status.Tracker.LastLocation.Lat)
	assert.Equal(t, t0, status.Tracker.LastLocation.Timestamp, "missing timestamps default to now")
	assert.Equal(t, models.TripIdle, status.Tracker.State)
}

func TestManualTripLifecycle(t *testing.T) {
	f := newFixture(t, 100)

	w, env := f.do(t, http.MethodPost, "/api/v1/trips/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started models.Trip
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, models.TripActive, started.State)
	assert.Equal(t, models.TriggerManual, started.StartTrigger)

	w, _ = f.do(t, http.MethodPost, "/api/v1/trips/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/trips/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active models.Trip
	require.NoError(t, json.Unmarshal(env.Data, &active))
	assert.Equal(t, started.ID, active.ID)

	f.clock.Advance(5 * time.Minute)
	w, env = f.do(t, http.MethodPost, "/api/v1/trips/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stopped models.Trip
	require.NoError(t, json.Unmarshal(env.Data, &stopped))
	assert.Equal(t, models.TripCompleted, stopped.State)
	require.NotNil(t, stopped.EndTime)

	w, _ = f.do(t, http.MethodPost, "/api/v1/trips/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/trips/active", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/trips?state=COMPLETED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page models.TripsResponse
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, page.Data, 1)
	assert.Equal(t, started.ID, page.Data[0].ID)

	w, _ = f.do(t, http.MethodGet, "/api/v1/trips/"+started.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, env = f.do(t, http.MethodGet, "/api/v1/trips/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, env.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/trips/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/stats/today", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.TodayStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.TripCount)
	assert.EqualValues(t, 300, stats.DurationSeconds)
}

func TestCorrectPathStatusCodes(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, env := f.do(t, http.MethodPost, "/api/v1/trips/start", nil)
	var started models.Trip
	require.NoError(t, json.Unmarshal(env.Data, &started))
	path := "/api/v1/trips/" + started.ID + "/correct-path"

	w, _ := f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "active trips are not eligible")
	w, _ = f.do(t, http.MethodPost, "/api/v1/trips/missing/correct-path", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.clock.Advance(time.Minute)
	_, env = f.do(t, http.MethodPost, "/api/v1/trips/stop", nil)
	var stopped models.Trip
	require.NoError(t, json.Unmarshal(env.Data, &stopped))

	w, _ = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "unsynced trips are not eligible")

	require.NoError(t, f.store.Trips.BindServerID(ctx, started.ID, "srv-1"))
	ok, err := f.store.Trips.MarkSynced(ctx, started.ID, stopped.Revision, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	w, env = f.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result pathcorrection.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, remote.CorrectionProcessing, result.Status)

	w, env = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, http.StatusTooManyRequests, env.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))

	w, env = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail pathcorrection.Availability
	require.NoError(t, json.Unmarshal(env.Data, &avail))
	assert.True(t, avail.Eligible)
	assert.EqualValues(t, 3600, avail.RetryAfterSeconds)

	w, env = f.do(t, http.MethodGet, "/api/v1/trips/"+started.ID+"/path?corrected=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p pathcorrection.Path
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, pathcorrection.SourceServer, p.Source)
	assert.True(t, p.Corrected)

	w, _ = f.do(t, http.MethodGet, "/api/v1/trips/"+started.ID+"/path?corrected=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignalRateLimit(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		w, _ := f.do(t, http.MethodPost, "/api/v1/signals/manual", `{"mode":"WALKING"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, strconv.Itoa(1-i), w.Header().Get("X-RateLimit-Remaining"))
	}
	w, env := f.do(t, http.MethodPost, "/api/v1/signals/manual", `{"mode":"WALKING"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, http.StatusTooManyRequests, env.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	w, _ = f.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, w.Code, "reads are not limited")
}

func TestSyncEndpoints(t *testing.T) {
	f := newFixture(t, 100)

	_, _ = f.do(t, http.MethodPost, "/api/v1/trips/start", nil)

	w, env := f.do(t, http.MethodGet, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status service.SyncStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, 1, status.UnsyncedTrips)
	assert.Nil(t, status.LastPass)

	w, env = f.do(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"outcome":{"kind":"OK"}`)
	assert.Equal(t, 1, f.syncer.passes)

	_, env = f.do(t, http.MethodGet, "/api/v1/sync", nil)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.NotNil(t, status.LastPass)
	assert.Equal(t, 1, status.LastPass.Batches)
}

func TestEventsQuery(t *testing.T) {
	f := newFixture(t, 100)

	w, env := f.do(t, http.MethodGet, "/api/v1/events?synced=false&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[],"count":0}`, string(env.Data))

	w, _ = f.do(t, http.MethodGet, "/api/v1/events?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
