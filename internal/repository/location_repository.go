package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jengzang/trip-tracker/internal/models"
)

// LocationRepository handles database operations for raw location samples
type LocationRepository struct {
	db *sql.DB
}

// NewLocationRepository creates a new location repository
func NewLocationRepository(db *sql.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

func (r *LocationRepository) insert(ctx context.Context, q execer, s *models.LocationSample) error {
	res, err := q.ExecContext(ctx, `INSERT INTO location_samples
			(trip_id, timestamp, lat, lon, accuracy, speed, altitude, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TripID, toMillis(s.Timestamp), s.Lat, s.Lon, s.Accuracy,
		nullFloat(s.Speed), nullFloat(s.Altitude), nullString(string(s.Mode)))
	if err != nil {
		return fmt.Errorf("failed to insert location sample: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		s.ID = id
	}
	return nil
}

// GetSamplesByTrip retrieves a trip's samples in timestamp order
func (r *LocationRepository) GetSamplesByTrip(ctx context.Context, tripID string) ([]models.LocationSample, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, trip_id, timestamp, lat, lon, accuracy, speed, altitude, mode
		FROM location_samples WHERE trip_id = ? ORDER BY timestamp ASC, id ASC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query location samples: %w", err)
	}
	defer rows.Close()

	var samples []models.LocationSample
	for rows.Next() {
		var (
			s           models.LocationSample
			ts          int64
			speed, alt  sql.NullFloat64
			mode        sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.TripID, &ts, &s.Lat, &s.Lon, &s.Accuracy, &speed, &alt, &mode); err != nil {
			return nil, fmt.Errorf("failed to scan location sample: %w", err)
		}
		s.Timestamp = fromMillis(ts)
		s.Speed = floatPtr(speed)
		s.Altitude = floatPtr(alt)
		s.Mode = models.TransportMode(mode.String)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
