// Package syncer uploads unsynced trips and movement events to the server of
// record.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/timeutil"
)

var (
	errChangedDuringUpload = errors.New("trip changed during upload")
	errEarlierEventFailed  = errors.New("held back behind a failed event of the same trip")
)

// Remote is the part of the server API the reconciler needs
type Remote interface {
	CreateTrip(ctx context.Context, req remote.CreateTripRequest) (*remote.CreateTripResponse, error)
	UpdateTrip(ctx context.Context, serverID string, req remote.UpdateTripRequest) (*remote.TripDto, error)
	UploadEvents(ctx context.Context, events []remote.CreateMovementEventRequest) (*remote.BatchMovementEventsResponse, error)
}

// TripStore is the trip sync metadata the reconciler reads and writes
type TripStore interface {
	Unsynced(ctx context.Context, now time.Time, limit int) ([]models.Trip, error)
	BindServerID(ctx context.Context, id, serverID string) error
	MarkSynced(ctx context.Context, id string, revision int64, at time.Time) (bool, error)
	RecordSyncFailure(ctx context.Context, id string, attempts int, next time.Time, message string) error
}

// EventStore is the event sync metadata the reconciler reads and writes
type EventStore interface {
	Unsynced(ctx context.Context, now time.Time, limit int) ([]repository.PendingEvent, error)
	MarkSynced(ctx context.Context, ids []string, at time.Time) error
	RecordSyncFailures(ctx context.Context, failures []repository.EventFailure) error
	CountDeferred(ctx context.Context) (int, error)
}

// Reconciler runs sync passes. Passes never overlap.
type Reconciler struct {
	cfg    Config
	trips  TripStore
	events EventStore
	remote Remote
	clock  timeutil.Clock

	mu sync.Mutex
}

// NewReconciler creates a reconciler. A nil clock uses wall time.
func NewReconciler(cfg Config, trips TripStore, events EventStore, r Remote, clock timeutil.Clock) *Reconciler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reconciler{
		cfg:    cfg.normalized(),
		trips:  trips,
		events: events,
		remote: r,
		clock:  clock,
	}
}

// SyncOnce uploads trips first, then events in (timestamp, id) order.
// Remote failures are reported per record in the Report; the returned error
// is reserved for local store failures and cancellation.
func (r *Reconciler) SyncOnce(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	report := &Report{StartedAt: now}

	if err := r.syncTrips(ctx, now, report); err != nil {
		report.FinishedAt = r.clock.Now()
		return report, fmt.Errorf("trip sync: %w", err)
	}
	if err := r.syncEvents(ctx, now, report); err != nil {
		report.FinishedAt = r.clock.Now()
		return report, fmt.Errorf("event sync: %w", err)
	}

	deferred, err := r.events.CountDeferred(ctx)
	if err != nil {
		return report, err
	}
	report.EventsDeferred = deferred
	report.FinishedAt = r.clock.Now()

	okTrips, okEvents := report.Count(OutcomeOK)
	failedTrips, failedEvents := report.Count(OutcomeFailed)
	if len(report.Trips)+len(report.Events) > 0 || deferred > 0 {
		log.Printf("[Sync] Pass done: trips %d ok / %d failed, events %d ok / %d failed / %d deferred",
			okTrips, failedTrips, okEvents, failedEvents, deferred)
	}
	return report, nil
}

func (r *Reconciler) syncTrips(ctx context.Context, now time.Time, report *Report) error {
	trips, err := r.trips.Unsynced(ctx, now, r.cfg.TripLimit)
	if err != nil {
		return err
	}

	for i := range trips {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &trips[i]

		outcome, err := r.syncTrip(ctx, t, now)
		if err != nil {
			return err
		}
		if outcome.Kind == OutcomeFailed {
			attempts := t.SyncAttempts + 1
			delay := r.cfg.Retry.NextAttempt(attempts)
			if err := r.trips.RecordSyncFailure(ctx, t.ID, attempts, now.Add(delay), outcome.Err.Error()); err != nil {
				return err
			}
			log.Printf("[Sync] Trip %s failed (attempt %d, retry in %v): %v", t.ID, attempts, delay, outcome.Err)
		}
		report.Trips = append(report.Trips, RecordResult{ID: t.ID, Outcome: outcome})
	}
	return nil
}

// syncTrip creates the trip on the server if it has no server identity yet,
// then pushes its full current state
func (r *Reconciler) syncTrip(ctx context.Context, t *models.Trip, now time.Time) (Outcome, error) {
	var serverID string
	switch id := t.Identity().(type) {
	case models.Unsynced:
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		resp, err := r.remote.CreateTrip(callCtx, remote.NewCreateTripRequest(t, r.cfg.DeviceID))
		cancel()
		if err != nil {
			return failed(fmt.Errorf("create trip: %w", err)), nil
		}
		if resp.TripID == "" {
			return failed(errors.New("create trip: server returned no trip id")), nil
		}
		if err := r.trips.BindServerID(ctx, id.LocalID, resp.TripID); err != nil {
			if errors.Is(err, repository.ErrServerIDConflict) {
				return failed(err), nil
			}
			return Outcome{}, err
		}
		serverID = resp.TripID
	case models.Synced:
		serverID = id.ServerID
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	_, err := r.remote.UpdateTrip(callCtx, serverID, remote.NewUpdateTripRequest(t, now))
	cancel()
	if err != nil {
		return failed(fmt.Errorf("update trip: %w", err)), nil
	}

	ok, err := r.trips.MarkSynced(ctx, t.ID, t.Revision, r.clock.Now())
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Kind: OutcomeDeferred, Err: errChangedDuringUpload}, nil
	}
	return Outcome{Kind: OutcomeOK}, nil
}

func (r *Reconciler) syncEvents(ctx context.Context, now time.Time, report *Report) error {
	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := r.events.Unsynced(ctx, now, r.cfg.BatchSize)
		if err != nil {
			return err
		}

		fresh := false
		for _, p := range pending {
			if !seen[p.Event.ID] {
				fresh = true
			}
			seen[p.Event.ID] = true
		}
		if !fresh {
			return nil
		}

		if err := r.syncBatch(ctx, now, pending, report); err != nil {
			return err
		}
	}
}

// syncBatch uploads one batch. Per trip only the accepted prefix up to the
// first rejected event is marked synced so the trip's events reach the
// server in order.
func (r *Reconciler) syncBatch(ctx context.Context, now time.Time, pending []repository.PendingEvent, report *Report) error {
	reqs := make([]remote.CreateMovementEventRequest, len(pending))
	for i := range pending {
		reqs[i] = remote.NewMovementEventRequest(&pending[i].Event, r.cfg.DeviceID, pending[i].TripServerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	resp, err := r.remote.UploadEvents(callCtx, reqs)
	cancel()
	report.Batches++

	if err != nil {
		batchErr := fmt.Errorf("%w: %w", ErrBatchFailed, err)
		failures := make([]repository.EventFailure, 0, len(pending))
		for _, p := range pending {
			failures = append(failures, r.eventFailure(p.Event, now, batchErr.Error()))
			report.Events = append(report.Events, RecordResult{ID: p.Event.ID, Outcome: failed(batchErr)})
		}
		log.Printf("[Sync] Batch of %d events failed: %v", len(pending), err)
		return r.events.RecordSyncFailures(ctx, failures)
	}

	rejected := resp.Failed()
	blocked := make(map[string]bool)
	var accepted []string
	var failures []repository.EventFailure
	for _, p := range pending {
		ev := p.Event
		if msg, bad := rejected[ev.ID]; bad {
			failures = append(failures, r.eventFailure(ev, now, msg))
			report.Events = append(report.Events, RecordResult{ID: ev.ID, Outcome: failed(errors.New(msg))})
			if ev.TripID != "" {
				blocked[ev.TripID] = true
			}
			continue
		}
		if ev.TripID != "" && blocked[ev.TripID] {
			report.Events = append(report.Events, RecordResult{ID: ev.ID, Outcome: Outcome{Kind: OutcomeDeferred, Err: errEarlierEventFailed}})
			continue
		}
		accepted = append(accepted, ev.ID)
		report.Events = append(report.Events, RecordResult{ID: ev.ID, Outcome: Outcome{Kind: OutcomeOK}})
	}

	if len(failures) > 0 {
		log.Printf("[Sync] Server rejected %d of %d events", len(failures), len(pending))
	}
	if err := r.events.MarkSynced(ctx, accepted, r.clock.Now()); err != nil {
		return err
	}
	return r.events.RecordSyncFailures(ctx, failures)
}

func (r *Reconciler) eventFailure(ev models.MovementEvent, now time.Time, msg string) repository.EventFailure {
	attempts := ev.SyncAttempts + 1
	return repository.EventFailure{
		ID:       ev.ID,
		Attempts: attempts,
		Next:     now.Add(r.cfg.Retry.NextAttempt(attempts)),
		Message:  msg,
	}
}

func failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}
