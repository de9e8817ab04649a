package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "trips.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()
	conn := openTestDB(t)

	version, dirty, err := MigrateVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"trips", "movement_events", "location_samples"} {
		var name string
		err := conn.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}

	// Running again is a no-op
	require.NoError(t, MigrateUp(conn))
}

func TestForeignKeysEnforced(t *testing.T) {
	t.Parallel()
	conn := openTestDB(t)

	_, err := conn.Exec(`INSERT INTO location_samples (trip_id, timestamp, lat, lon) VALUES ('missing', 0, 0, 0)`)
	assert.Error(t, err)
}

func TestTransactionRollback(t *testing.T) {
	t.Parallel()
	conn := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := Transaction(ctx, conn, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO trips (id, state, start_time, current_mode, accrued_until, start_trigger, created_at, updated_at)
			VALUES ('t1', 'ACTIVE', 0, 'WALKING', 0, 'MANUAL', 0, 0)`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM trips").Scan(&n))
	assert.Zero(t, n)
}

func TestTripEndTimeCheck(t *testing.T) {
	t.Parallel()
	conn := openTestDB(t)

	_, err := conn.Exec(`INSERT INTO trips (id, state, start_time, current_mode, accrued_until, start_trigger, created_at, updated_at)
		VALUES ('t1', 'COMPLETED', 0, 'WALKING', 0, 'MANUAL', 0, 0)`)
	assert.Error(t, err, "completed trip without end_time must be rejected")
}
