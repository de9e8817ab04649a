package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jengzang/trip-tracker/internal/database"
	"github.com/jengzang/trip-tracker/internal/models"
)

const eventColumns = `e.id, e.device_id, e.trip_id, e.timestamp,
	e.previous_mode, e.new_mode, e.detection_source, e.contributing_sources, e.confidence, e.detection_latency_ms,
	e.lat, e.lon, e.accuracy, e.speed,
	e.battery_level, e.is_charging, e.network_type, e.network_strength,
	e.accel_magnitude, e.accel_variance, e.accel_peak_frequency, e.gyro_magnitude,
	e.step_count, e.significant_motion, e.activity_type, e.activity_confidence,
	e.distance_from_last_location, e.time_since_last_location,
	e.is_synced, e.synced_at, e.sync_attempts, e.next_sync_at, e.last_sync_error`

// PendingEvent is an unsynced movement event with its trip's server identity
type PendingEvent struct {
	Event        models.MovementEvent
	TripServerID string // Empty for events recorded outside a trip
}

// EventFailure is the retry schedule for one failed event upload
type EventFailure struct {
	ID       string
	Attempts int
	Next     time.Time
	Message  string
}

// MovementEventRepository handles database operations for movement events
type MovementEventRepository struct {
	db *sql.DB
}

// NewMovementEventRepository creates a new movement event repository
func NewMovementEventRepository(db *sql.DB) *MovementEventRepository {
	return &MovementEventRepository{db: db}
}

func (r *MovementEventRepository) insert(ctx context.Context, q execer, e *models.MovementEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var lat, lon, accuracy, speed interface{}
	if e.Location != nil {
		lat, lon, accuracy, speed = e.Location.Lat, e.Location.Lon, e.Location.Accuracy, nullFloat(e.Location.Speed)
	}
	var battery, charging, networkType, strength interface{}
	if d := e.DeviceState; d != nil {
		battery, charging, networkType, strength = nullInt(d.BatteryLevel), nullBool(d.IsCharging), nullString(d.NetworkType), nullInt(d.NetworkStrength)
	}
	var accelMag, accelVar, accelPeak, gyroMag, steps, sigMotion, activityType, activityConf interface{}
	if tm := e.Telemetry; tm != nil {
		accelMag, accelVar, accelPeak, gyroMag = nullFloat(tm.AccelMagnitude), nullFloat(tm.AccelVariance), nullFloat(tm.AccelPeakFrequency), nullFloat(tm.GyroMagnitude)
		steps, sigMotion = nullInt(tm.StepCount), nullBool(tm.SignificantMotion)
		activityType, activityConf = nullString(tm.ActivityType), nullInt(tm.ActivityConfidence)
	}
	var contributing interface{}
	if len(e.ContributingSources) > 0 {
		contributing = mustJSON(e.ContributingSources)
	}

	_, err := q.ExecContext(ctx, `INSERT INTO movement_events (
			id, device_id, trip_id, timestamp,
			previous_mode, new_mode, detection_source, contributing_sources, confidence, detection_latency_ms,
			lat, lon, accuracy, speed,
			battery_level, is_charging, network_type, network_strength,
			accel_magnitude, accel_variance, accel_peak_frequency, gyro_magnitude,
			step_count, significant_motion, activity_type, activity_confidence,
			distance_from_last_location, time_since_last_location
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.DeviceID), nullString(e.TripID), toMillis(e.Timestamp),
		string(e.PreviousMode), string(e.NewMode), string(e.DetectionSource), contributing, e.Confidence, e.DetectionLatencyMs,
		lat, lon, accuracy, speed,
		battery, charging, networkType, strength,
		accelMag, accelVar, accelPeak, gyroMag,
		steps, sigMotion, activityType, activityConf,
		nullFloat(e.DistanceFromLastLocation), nullInt64(e.TimeSinceLastLocation),
	)
	if err != nil {
		return fmt.Errorf("failed to insert movement event: %w", err)
	}
	return nil
}

// GetEvents retrieves movement events in timestamp order
func (r *MovementEventRepository) GetEvents(ctx context.Context, filter models.EventFilter) ([]models.MovementEvent, error) {
	query := "SELECT " + eventColumns + " FROM movement_events e"

	var conditions []string
	var args []interface{}

	if filter.TripID != "" {
		conditions = append(conditions, "e.trip_id = ?")
		args = append(args, filter.TripID)
	}
	if filter.StartTime > 0 {
		conditions = append(conditions, "e.timestamp >= ?")
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		conditions = append(conditions, "e.timestamp <= ?")
		args = append(args, filter.EndTime)
	}
	if filter.Synced != nil {
		conditions = append(conditions, "e.is_synced = ?")
		args = append(args, boolToInt(*filter.Synced))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if filter.Limit < 1 || filter.Limit > 1000 {
		filter.Limit = 1000
	}
	query += " ORDER BY e.timestamp ASC, e.id ASC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movement events: %w", err)
	}
	defer rows.Close()

	var events []models.MovementEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Unsynced returns due events in (timestamp, id) order. Events of trips with
// no server identity are deferred, and an event is held back while an earlier
// event of the same trip is still waiting out its backoff.
func (r *MovementEventRepository) Unsynced(ctx context.Context, now time.Time, limit int) ([]PendingEvent, error) {
	nowMs := toMillis(now)
	rows, err := r.db.QueryContext(ctx, "SELECT "+eventColumns+`, t.server_id
		FROM movement_events e
		LEFT JOIN trips t ON t.id = e.trip_id
		WHERE e.is_synced = 0
			AND (e.next_sync_at IS NULL OR e.next_sync_at <= ?)
			AND (e.trip_id IS NULL OR t.server_id IS NOT NULL)
			AND NOT EXISTS (
				SELECT 1 FROM movement_events p
				WHERE p.trip_id = e.trip_id AND p.is_synced = 0
					AND (p.timestamp < e.timestamp OR (p.timestamp = e.timestamp AND p.id < e.id))
					AND p.next_sync_at > ?
			)
		ORDER BY e.timestamp ASC, e.id ASC
		LIMIT ?`, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()

	var out []PendingEvent
	for rows.Next() {
		var serverID sql.NullString
		e, err := scanEvent(rows, &serverID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unsynced event: %w", err)
		}
		out = append(out, PendingEvent{Event: *e, TripServerID: serverID.String})
	}
	return out, rows.Err()
}

// CountDeferred returns the number of unsynced events waiting on their trip's
// server identity
func (r *MovementEventRepository) CountDeferred(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM movement_events e
		JOIN trips t ON t.id = e.trip_id
		WHERE e.is_synced = 0 AND t.server_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deferred events: %w", err)
	}
	return n, nil
}

// CountUnsynced returns the number of events awaiting upload
func (r *MovementEventRepository) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM movement_events WHERE is_synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced events: %w", err)
	}
	return n, nil
}

// MarkSynced flags the given events as accepted by the server
func (r *MovementEventRepository) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return database.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `UPDATE movement_events SET
					is_synced = 1, synced_at = ?, sync_attempts = 0, next_sync_at = NULL, last_sync_error = NULL
				WHERE id = ?`, toMillis(at), id)
			if err != nil {
				return fmt.Errorf("failed to mark event %s synced: %w", id, err)
			}
		}
		return nil
	})
}

// RecordSyncFailures stores retry schedules for failed event uploads
func (r *MovementEventRepository) RecordSyncFailures(ctx context.Context, failures []EventFailure) error {
	if len(failures) == 0 {
		return nil
	}
	return database.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		for _, f := range failures {
			_, err := tx.ExecContext(ctx,
				`UPDATE movement_events SET sync_attempts = ?, next_sync_at = ?, last_sync_error = ? WHERE id = ?`,
				f.Attempts, toMillis(f.Next), f.Message, f.ID)
			if err != nil {
				return fmt.Errorf("failed to record event %s failure: %w", f.ID, err)
			}
		}
		return nil
	})
}

func scanEvent(row rowScanner, extra ...interface{}) (*models.MovementEvent, error) {
	var (
		e                                          models.MovementEvent
		deviceID, tripID, contributing             sql.NullString
		networkType, activityType, lastErr         sql.NullString
		prev, next, source                         string
		timestamp                                  int64
		lat, lon, accuracy, speed                  sql.NullFloat64
		accelMag, accelVar, accelPeak, gyroMag     sql.NullFloat64
		distance                                   sql.NullFloat64
		battery, charging, strength                sql.NullInt64
		steps, sigMotion, activityConf, sinceLast  sql.NullInt64
		syncedAt, nextSync                         sql.NullInt64
		isSynced                                   int
	)

	dest := []interface{}{
		&e.ID, &deviceID, &tripID, &timestamp,
		&prev, &next, &source, &contributing, &e.Confidence, &e.DetectionLatencyMs,
		&lat, &lon, &accuracy, &speed,
		&battery, &charging, &networkType, &strength,
		&accelMag, &accelVar, &accelPeak, &gyroMag,
		&steps, &sigMotion, &activityType, &activityConf,
		&distance, &sinceLast,
		&isSynced, &syncedAt, &e.SyncAttempts, &nextSync, &lastErr,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.DeviceID = deviceID.String
	e.TripID = tripID.String
	e.Timestamp = fromMillis(timestamp)
	e.PreviousMode = models.TransportMode(prev)
	e.NewMode = models.TransportMode(next)
	e.DetectionSource = models.DetectionSource(source)
	if contributing.Valid {
		if err := json.Unmarshal([]byte(contributing.String), &e.ContributingSources); err != nil {
			return nil, fmt.Errorf("failed to decode contributing_sources: %w", err)
		}
	}

	if lat.Valid && lon.Valid {
		e.Location = &models.EventLocation{Lat: lat.Float64, Lon: lon.Float64, Accuracy: accuracy.Float64, Speed: floatPtr(speed)}
	}
	if battery.Valid || charging.Valid || networkType.Valid || strength.Valid {
		e.DeviceState = &models.DeviceState{
			BatteryLevel:    intPtr(battery),
			IsCharging:      boolPtr(charging),
			NetworkType:     networkType.String,
			NetworkStrength: intPtr(strength),
		}
	}
	if accelMag.Valid || accelVar.Valid || accelPeak.Valid || gyroMag.Valid || steps.Valid || sigMotion.Valid || activityType.Valid || activityConf.Valid {
		e.Telemetry = &models.Telemetry{
			AccelMagnitude:     floatPtr(accelMag),
			AccelVariance:      floatPtr(accelVar),
			AccelPeakFrequency: floatPtr(accelPeak),
			GyroMagnitude:      floatPtr(gyroMag),
			StepCount:          intPtr(steps),
			SignificantMotion:  boolPtr(sigMotion),
			ActivityType:       activityType.String,
			ActivityConfidence: intPtr(activityConf),
		}
	}
	e.DistanceFromLastLocation = floatPtr(distance)
	e.TimeSinceLastLocation = int64Ptr(sinceLast)

	e.IsSynced = isSynced != 0
	e.SyncedAt = timePtr(syncedAt)
	e.NextSyncAt = timePtr(nextSync)
	e.LastSyncError = lastErr.String

	return &e, nil
}
