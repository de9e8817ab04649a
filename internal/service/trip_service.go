package service

import (
	"context"
	"fmt"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/timeutil"
)

// TripService handles business logic for trips and their events
type TripService struct {
	store    *repository.Store
	pipeline Pipeline
	clock    timeutil.Clock
}

// NewTripService creates a new trip service
func NewTripService(store *repository.Store, pipeline Pipeline, clock timeutil.Clock) *TripService {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &TripService{store: store, pipeline: pipeline, clock: clock}
}

// GetTrips retrieves trips with filtering and pagination
func (s *TripService) GetTrips(ctx context.Context, filter models.TripFilter) ([]models.Trip, int64, error) {
	return s.store.Trips.GetTrips(ctx, filter)
}

// GetTripByID retrieves a single trip. A missing trip is ErrNotFound.
func (s *TripService) GetTripByID(ctx context.Context, id string) (*models.Trip, error) {
	t, err := s.store.Trips.GetTripByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: trip %s", repository.ErrNotFound, id)
	}
	return t, nil
}

// ActiveTrip returns the open trip, or nil
func (s *TripService) ActiveTrip(ctx context.Context) (*models.Trip, error) {
	return s.store.ActiveTrip(ctx)
}

// GetTripEvents returns a trip's movement events in detection order
func (s *TripService) GetTripEvents(ctx context.Context, id string) ([]models.MovementEvent, error) {
	if _, err := s.GetTripByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events.GetEvents(ctx, models.EventFilter{TripID: id})
}

// GetEvents retrieves movement events with filtering
func (s *TripService) GetEvents(ctx context.Context, filter models.EventFilter) ([]models.MovementEvent, error) {
	return s.store.Events.GetEvents(ctx, filter)
}

// StartTrip opens a trip on the user's request
func (s *TripService) StartTrip(ctx context.Context) (*models.Trip, error) {
	return s.pipeline.StartTrip(ctx, models.TriggerManual)
}

// StopTrip completes the open trip on the user's request
func (s *TripService) StopTrip(ctx context.Context) (*models.Trip, error) {
	return s.pipeline.StopTrip(ctx, models.TriggerManual)
}

// TodayStats aggregates today's trips
func (s *TripService) TodayStats(ctx context.Context) (*models.TodayStats, error) {
	return s.store.TodayStats(ctx, s.clock.Now())
}
