package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	database, err := OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, Migrate(database.DB))

	version, err := CurrentVersion(database.DB)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	for _, table := range []string{"records", "sync_queue", "conflict_log", "sync_runs", "sync_state"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, Migrate(database.DB))
	require.NoError(t, Migrate(database.DB))

	var n int
	require.NoError(t, database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestMigrateDetectsTampering(t *testing.T) {
	database, err := OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, Migrate(database.DB))

	_, err = database.Exec("UPDATE schema_migrations SET checksum = ? WHERE version = 1",
		"0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	assert.Error(t, Migrate(database.DB))
}
