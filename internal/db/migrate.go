// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration represents one applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrations holds the ordered schema steps. Append only; never edit an
// applied step, the checksum is verified on startup.
var migrations = []struct {
	version     int
	description string
	sql         string
}{
	{
		version:     1,
		description: "records",
		sql: `
		CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			local_version INTEGER NOT NULL DEFAULT 1,
			remote_version INTEGER NOT NULL DEFAULT 0,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			sync_error TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);
		CREATE INDEX IF NOT EXISTS idx_records_owner_state ON records(owner_id, sync_state);`,
	},
	{
		version:     2,
		description: "sync queue",
		sql: `
		CREATE TABLE IF NOT EXISTS sync_queue (
			record_id TEXT PRIMARY KEY REFERENCES records(id),
			owner_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_owner ON sync_queue(owner_id, next_retry_at);`,
	},
	{
		version:     3,
		description: "conflict log",
		sql: `
		CREATE TABLE IF NOT EXISTS conflict_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			local_version INTEGER NOT NULL,
			remote_version INTEGER NOT NULL,
			local_timestamp INTEGER NOT NULL,
			remote_timestamp INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_owner ON conflict_log(owner_id, resolved);`,
	},
	{
		version:     4,
		description: "sync runs and per-owner state",
		sql: `
		CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			synced_count INTEGER NOT NULL,
			failed_count INTEGER NOT NULL,
			conflict_count INTEGER NOT NULL,
			downloaded INTEGER NOT NULL,
			partial INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_owner ON sync_runs(owner_id, finished_at);
		CREATE TABLE IF NOT EXISTS sync_state (
			owner_id TEXT PRIMARY KEY,
			pull_cursor INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
	},
}

// Migrate brings the schema up to date, verifying checksums of already
// applied steps.
func Migrate(db *sql.DB) error {
	if err := initMigrations(db); err != nil {
		return err
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, m := range applied {
		appliedByVersion[m.Version] = m
	}

	for _, step := range migrations {
		sum := checksum(step.sql)
		if prev, ok := appliedByVersion[step.version]; ok {
			if prev.Checksum != sum {
				return fmt.Errorf("migration %d (%s) changed after being applied", step.version, step.description)
			}
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", step.version, err)
		}
		if _, err := tx.Exec(step.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", step.version, step.description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			step.version, time.Now().Unix(), step.description, sum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", step.version, err)
		}

		logrus.WithField("version", step.version).
			WithField("description", step.description).
			Info("Applied schema migration")
	}
	return nil
}

func initMigrations(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := db.Exec(query)
	return err
}

// CurrentVersion returns the highest applied schema version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func appliedMigrations(db *sql.DB) ([]Migration, error) {
	rows, err := db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var m Migration
		var appliedAt int64
		if err := rows.Scan(&m.Version, &appliedAt, &m.Description, &m.Checksum); err != nil {
			return nil, err
		}
		m.AppliedAt = time.Unix(appliedAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
