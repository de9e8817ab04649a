package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
)

// Repository errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrTripImmutable    = errors.New("completed trip cannot be modified")
	ErrServerIDConflict = errors.New("trip already bound to a different server id")
)

const tripColumns = `id, server_id, state, start_time, end_time,
	start_lat, start_lon, end_lat, end_lon, last_lat, last_lon,
	total_distance_m, location_count, movement_event_count,
	current_mode, dominant_mode, modes_used, mode_breakdown, mode_durations, accrued_until,
	start_trigger, end_trigger, pending_since, grace_deadline,
	revision, is_synced, synced_at, sync_attempts, next_sync_at, last_sync_error,
	path_corrected, correction_requested_at, correction_status, corrected_at,
	created_at, updated_at`

// TripRepository handles database operations for trips
type TripRepository struct {
	db *sql.DB
}

// NewTripRepository creates a new trip repository
func NewTripRepository(db *sql.DB) *TripRepository {
	return &TripRepository{db: db}
}

// save writes trip content. A new trip is inserted at revision 1; an existing
// open trip is updated, its revision bumped and its sync flag cleared.
func (r *TripRepository) save(ctx context.Context, q execer, t *models.Trip) error {
	var startLat, startLon, endLat, endLon, lastLat, lastLon interface{}
	if t.StartLocation != nil {
		startLat, startLon = t.StartLocation.Lat, t.StartLocation.Lon
	}
	if t.EndLocation != nil {
		endLat, endLon = t.EndLocation.Lat, t.EndLocation.Lon
	}
	if t.LastLocation != nil {
		lastLat, lastLon = t.LastLocation.Lat, t.LastLocation.Lon
	}

	var breakdown interface{}
	if t.ModeBreakdown != nil {
		breakdown = mustJSON(t.ModeBreakdown)
	}
	modesUsed := t.ModesUsed
	if modesUsed == nil {
		modesUsed = []models.TransportMode{}
	}
	durations := t.ModeDurations
	if durations == nil {
		durations = map[models.TransportMode]int64{}
	}

	content := []interface{}{
		string(t.State), toMillis(t.StartTime), nullMillis(t.EndTime),
		startLat, startLon, endLat, endLon, lastLat, lastLon,
		t.TotalDistanceMeters, t.LocationCount, t.MovementEventCount,
		string(t.CurrentMode), nullString(string(t.DominantMode)), mustJSON(modesUsed), breakdown, mustJSON(durations), toMillis(t.AccruedUntil),
		string(t.StartTrigger), nullString(string(t.EndTrigger)), nullMillis(t.PendingSince), nullMillis(t.GraceDeadline),
		toMillis(t.UpdatedAt),
	}

	var revision int64
	err := q.QueryRowContext(ctx, `UPDATE trips SET
			state = ?, start_time = ?, end_time = ?,
			start_lat = ?, start_lon = ?, end_lat = ?, end_lon = ?, last_lat = ?, last_lon = ?,
			total_distance_m = ?, location_count = ?, movement_event_count = ?,
			current_mode = ?, dominant_mode = ?, modes_used = ?, mode_breakdown = ?, mode_durations = ?, accrued_until = ?,
			start_trigger = ?, end_trigger = ?, pending_since = ?, grace_deadline = ?,
			updated_at = ?,
			revision = revision + 1, is_synced = 0, sync_attempts = 0, next_sync_at = NULL
		WHERE id = ? AND state != 'COMPLETED'
		RETURNING revision`, append(content, t.ID)...).Scan(&revision)
	if err == nil {
		t.Revision = revision
		t.IsSynced = false
		t.SyncAttempts = 0
		t.NextSyncAt = nil
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to update trip: %w", err)
	}

	// Either the trip is new or it is completed
	var state string
	err = q.QueryRowContext(ctx, `SELECT state FROM trips WHERE id = ?`, t.ID).Scan(&state)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrTripImmutable, t.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check trip: %w", err)
	}

	created := t.CreatedAt
	if created.IsZero() {
		created = t.UpdatedAt
	}
	_, err = q.ExecContext(ctx, `INSERT INTO trips (
			state, start_time, end_time,
			start_lat, start_lon, end_lat, end_lon, last_lat, last_lon,
			total_distance_m, location_count, movement_event_count,
			current_mode, dominant_mode, modes_used, mode_breakdown, mode_durations, accrued_until,
			start_trigger, end_trigger, pending_since, grace_deadline,
			updated_at, id, revision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		append(content, t.ID, toMillis(created))...)
	if err != nil {
		return fmt.Errorf("failed to insert trip: %w", err)
	}
	t.Revision = 1
	t.IsSynced = false
	return nil
}

// GetTrips retrieves trips with filtering and pagination
func (r *TripRepository) GetTrips(ctx context.Context, filter models.TripFilter) ([]models.Trip, int64, error) {
	query := "SELECT " + tripColumns + " FROM trips"

	var conditions []string
	var args []interface{}

	// Add filters
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}
	if filter.StartTime > 0 {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, filter.EndTime)
	}
	if filter.Synced != nil {
		conditions = append(conditions, "is_synced = ?")
		args = append(args, boolToInt(*filter.Synced))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	// Get total count
	var total int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trips"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count trips: %w", err)
	}

	// Add pagination
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 100
	}
	if filter.PageSize > 1000 {
		filter.PageSize = 1000
	}

	offset := (filter.Page - 1) * filter.PageSize
	query += where + " ORDER BY start_time DESC LIMIT ? OFFSET ?"
	args = append(args, filter.PageSize, offset)

	trips, err := r.queryTrips(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return trips, total, nil
}

// GetTripByID retrieves a single trip by ID. Returns nil, nil when absent.
func (r *TripRepository) GetTripByID(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(r.db.QueryRowContext(ctx, "SELECT "+tripColumns+" FROM trips WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}
	return t, nil
}

// ActiveTrip returns the open trip, if any
func (r *TripRepository) ActiveTrip(ctx context.Context) (*models.Trip, error) {
	t, err := scanTrip(r.db.QueryRowContext(ctx,
		"SELECT "+tripColumns+" FROM trips WHERE state != 'COMPLETED' ORDER BY start_time DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active trip: %w", err)
	}
	return t, nil
}

// Unsynced returns trips awaiting upload whose backoff has elapsed, oldest first
func (r *TripRepository) Unsynced(ctx context.Context, now time.Time, limit int) ([]models.Trip, error) {
	return r.queryTrips(ctx, "SELECT "+tripColumns+` FROM trips
		WHERE is_synced = 0 AND (next_sync_at IS NULL OR next_sync_at <= ?)
		ORDER BY start_time ASC, id ASC LIMIT ?`, toMillis(now), limit)
}

// BindServerID stores the server identity. The column is write-once.
func (r *TripRepository) BindServerID(ctx context.Context, id, serverID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trips SET server_id = ? WHERE id = ? AND (server_id IS NULL OR server_id = ?)`,
		serverID, id, serverID)
	if err != nil {
		return fmt.Errorf("failed to bind server id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT server_id FROM trips WHERE id = ?`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: trip %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to check server id: %w", err)
	}
	return fmt.Errorf("%w: %s has %s", ErrServerIDConflict, id, existing.String)
}

// MarkSynced flags the trip synced if it is still at the uploaded revision.
// Returns false when the trip changed since the upload began.
func (r *TripRepository) MarkSynced(ctx context.Context, id string, revision int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE trips SET
			is_synced = 1, synced_at = ?, synced_revision = revision,
			sync_attempts = 0, next_sync_at = NULL, last_sync_error = NULL
		WHERE id = ? AND revision = ?`, toMillis(at), id, revision)
	if err != nil {
		return false, fmt.Errorf("failed to mark trip synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark trip synced: %w", err)
	}
	return n == 1, nil
}

// RecordSyncFailure stores the retry schedule after a failed upload
func (r *TripRepository) RecordSyncFailure(ctx context.Context, id string, attempts int, next time.Time, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE trips SET sync_attempts = ?, next_sync_at = ?, last_sync_error = ? WHERE id = ?`,
		attempts, toMillis(next), message, id)
	if err != nil {
		return fmt.Errorf("failed to record trip sync failure: %w", err)
	}
	return nil
}

// SetCorrectionRequest records (or, with a nil time, clears) a pending path
// correction request
func (r *TripRepository) SetCorrectionRequest(ctx context.Context, id string, at *time.Time, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE trips SET correction_requested_at = ?, correction_status = ? WHERE id = ?`,
		nullMillis(at), nullString(status), id)
	if err != nil {
		return fmt.Errorf("failed to record correction request: %w", err)
	}
	return nil
}

// MarkPathCorrected flags the trip's path as corrected server-side
func (r *TripRepository) MarkPathCorrected(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE trips SET path_corrected = 1, corrected_at = ?, correction_status = 'COMPLETED' WHERE id = ?`,
		toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark path corrected: %w", err)
	}
	return nil
}

// CorrectionRequestsSince returns the last correction request time per trip
// for requests made at or after since
func (r *TripRepository) CorrectionRequestsSince(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, correction_requested_at FROM trips WHERE correction_requested_at >= ?`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query correction requests: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan correction request: %w", err)
		}
		out[id] = fromMillis(at)
	}
	return out, rows.Err()
}

// TodayStats aggregates trips started at or after dayStart
func (r *TripRepository) TodayStats(ctx context.Context, dayStart, now time.Time) (*models.TodayStats, error) {
	trips, err := r.queryTrips(ctx, "SELECT "+tripColumns+" FROM trips WHERE start_time >= ?", toMillis(dayStart))
	if err != nil {
		return nil, err
	}

	stats := &models.TodayStats{TripCount: len(trips)}
	durations := make(map[models.TransportMode]int64)
	for i := range trips {
		t := &trips[i]
		stats.DistanceMeters += t.TotalDistanceMeters
		stats.DurationSeconds += int64(t.Duration(now).Seconds())
		for mode, ms := range t.ModeDurations {
			if mode != models.ModeStationary {
				durations[mode] += ms
			}
		}
	}

	var best int64
	for _, mode := range models.AllModes {
		if durations[mode] > best {
			best = durations[mode]
			stats.DominantMode = mode
		}
	}
	return stats, nil
}

// CountUnsynced returns the number of trips awaiting upload
func (r *TripRepository) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips WHERE is_synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced trips: %w", err)
	}
	return n, nil
}

func (r *TripRepository) queryTrips(ctx context.Context, query string, args ...interface{}) ([]models.Trip, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		trips = append(trips, *t)
	}
	return trips, rows.Err()
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                                                models.Trip
		serverID, dominant, breakdown, endTrigger        sql.NullString
		lastErr, correctionStatus                        sql.NullString
		state, currentMode, modesUsed, durations, trigger string
		startTime, accrued, createdAt, updatedAt         int64
		endTime, pendingSince, graceDeadline, syncedAt   sql.NullInt64
		nextSync, correctionAt, correctedAt              sql.NullInt64
		startLat, startLon, endLat, endLon               sql.NullFloat64
		lastLat, lastLon                                 sql.NullFloat64
		isSynced, pathCorrected                          int
	)

	err := row.Scan(
		&t.ID, &serverID, &state, &startTime, &endTime,
		&startLat, &startLon, &endLat, &endLon, &lastLat, &lastLon,
		&t.TotalDistanceMeters, &t.LocationCount, &t.MovementEventCount,
		&currentMode, &dominant, &modesUsed, &breakdown, &durations, &accrued,
		&trigger, &endTrigger, &pendingSince, &graceDeadline,
		&t.Revision, &isSynced, &syncedAt, &t.SyncAttempts, &nextSync, &lastErr,
		&pathCorrected, &correctionAt, &correctionStatus, &correctedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if serverID.Valid {
		if err := t.BindServerID(serverID.String); err != nil {
			return nil, err
		}
	}
	t.State = models.TripState(state)
	t.StartTime = fromMillis(startTime)
	t.EndTime = timePtr(endTime)
	t.StartLocation = latLngPtr(startLat, startLon)
	t.EndLocation = latLngPtr(endLat, endLon)
	t.LastLocation = latLngPtr(lastLat, lastLon)
	t.CurrentMode = models.TransportMode(currentMode)
	t.DominantMode = models.TransportMode(dominant.String)
	t.AccruedUntil = fromMillis(accrued)
	t.StartTrigger = models.TripTrigger(trigger)
	t.EndTrigger = models.TripTrigger(endTrigger.String)
	t.PendingSince = timePtr(pendingSince)
	t.GraceDeadline = timePtr(graceDeadline)
	t.IsSynced = isSynced != 0
	t.SyncedAt = timePtr(syncedAt)
	t.NextSyncAt = timePtr(nextSync)
	t.LastSyncError = lastErr.String
	t.PathCorrected = pathCorrected != 0
	t.CorrectionRequestedAt = timePtr(correctionAt)
	t.CorrectionStatus = correctionStatus.String
	t.CorrectedAt = timePtr(correctedAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)

	if err := json.Unmarshal([]byte(modesUsed), &t.ModesUsed); err != nil {
		return nil, fmt.Errorf("failed to decode modes_used: %w", err)
	}
	if err := json.Unmarshal([]byte(durations), &t.ModeDurations); err != nil {
		return nil, fmt.Errorf("failed to decode mode_durations: %w", err)
	}
	if t.ModeDurations == nil {
		t.ModeDurations = make(map[models.TransportMode]int64)
	}
	if breakdown.Valid {
		if err := json.Unmarshal([]byte(breakdown.String), &t.ModeBreakdown); err != nil {
			return nil, fmt.Errorf("failed to decode mode_breakdown: %w", err)
		}
	}

	return &t, nil
}

func latLngPtr(lat, lon sql.NullFloat64) *models.LatLng {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.LatLng{Lat: lat.Float64, Lon: lon.Float64}
}
