package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jengzang/trip-tracker/internal/database"
	"github.com/jengzang/trip-tracker/internal/models"
)

// Store is the local store: the single writer of trip, event and sample
// content, and the sync-metadata writer for the reconciler
type Store struct {
	db      *sql.DB
	Trips   *TripRepository
	Events  *MovementEventRepository
	Samples *LocationRepository
}

// NewStore creates a store over an opened database
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:      db,
		Trips:   NewTripRepository(db),
		Events:  NewMovementEventRepository(db),
		Samples: NewLocationRepository(db),
	}
}

// Apply commits every part of change in one transaction. On success the trip's
// Revision reflects the stored value and the sample carries its new ID.
func (s *Store) Apply(ctx context.Context, change models.Change) error {
	var revision int64
	var sampleID int64
	err := database.Transaction(ctx, s.db, func(tx *sql.Tx) error {
		if change.Trip != nil {
			t := change.Trip.Clone()
			if err := s.Trips.save(ctx, tx, t); err != nil {
				return err
			}
			revision = t.Revision
		}
		if change.Event != nil {
			if err := s.Events.insert(ctx, tx, change.Event); err != nil {
				return err
			}
		}
		if change.Sample != nil {
			sample := *change.Sample
			if err := s.Samples.insert(ctx, tx, &sample); err != nil {
				return err
			}
			sampleID = sample.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Only reflect stored values once the transaction has committed
	if change.Trip != nil {
		change.Trip.Revision = revision
		change.Trip.IsSynced = false
		change.Trip.SyncAttempts = 0
		change.Trip.NextSyncAt = nil
	}
	if change.Sample != nil {
		change.Sample.ID = sampleID
	}
	return nil
}

// ActiveTrip returns the open trip, if any
func (s *Store) ActiveTrip(ctx context.Context) (*models.Trip, error) {
	return s.Trips.ActiveTrip(ctx)
}

// SyncCounts reports the unsynced backlog
func (s *Store) SyncCounts(ctx context.Context) (models.SyncCounts, error) {
	var counts models.SyncCounts
	var err error
	if counts.UnsyncedTrips, err = s.Trips.CountUnsynced(ctx); err != nil {
		return counts, err
	}
	if counts.UnsyncedEvents, err = s.Events.CountUnsynced(ctx); err != nil {
		return counts, err
	}
	return counts, nil
}

// TodayStats aggregates trips started since local midnight
func (s *Store) TodayStats(ctx context.Context, now time.Time) (*models.TodayStats, error) {
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return s.Trips.TodayStats(ctx, dayStart, now)
}
