// Package db provides CRUD repository operations for Daybook data models.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kimhsiao/daybook/internal/clock"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
)

// Repository provides persistence for records, the offline queue, conflict
// history and sync run summaries. All record writes are atomic per record.
type Repository struct {
	db    *sql.DB
	clock clock.Clock

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, clk clock.Clock) *Repository {
	if clk == nil {
		clk = clock.System()
	}
	return &Repository{db: db, clock: clk}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `id, owner_id, kind, payload, local_version, remote_version,
	sync_state, sync_error, archived, created_at, updated_at, deleted_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var rec models.Record
	var payload string
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Kind, &payload, &rec.LocalVersion,
		&rec.RemoteVersion, &rec.SyncState, &rec.SyncError, &rec.Archived,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// CreateRecord inserts a new record with local_version 1 in pending state.
// The ID is assigned here and never reused.
func (r *Repository) CreateRecord(rec *models.Record) error {
	now := r.clock.Now().Unix()
	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New().String())
	}
	rec.LocalVersion = 1
	rec.RemoteVersion = 0
	rec.SyncState = models.SyncStatePending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}

	query := `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, rec.ID, rec.OwnerID, rec.Kind, string(rec.Payload),
		rec.LocalVersion, rec.RemoteVersion, rec.SyncState, rec.SyncError,
		rec.Archived, rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create record", err)
	}
	return nil
}

// UpdateRecord applies a local mutation: the payload is replaced, local_version
// is incremented and the record re-enters pending. Writing over a record in
// syncing state is allowed; the version bump makes the in-flight result stale.
func (r *Repository) UpdateRecord(id models.UUID, payload json.RawMessage) (*models.Record, error) {
	now := r.clock.Now().Unix()
	res, err := r.db.Exec(`
	UPDATE records
	SET payload = ?, local_version = local_version + 1,
		sync_state = ?, sync_error = '', updated_at = ?
	WHERE id = ? AND deleted_at = 0
	`, string(payload), models.SyncStatePending, now, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return r.GetRecord(id)
}

// GetRecord retrieves a record by ID, including soft-deleted ones so pending
// deletions can still be pushed.
func (r *Repository) GetRecord(id models.UUID) (*models.Record, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + recordColumns + ` FROM records WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(stmt.QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get record", err)
	}
	return rec, nil
}

// SoftDeleteRecord marks a record deleted. Deletion is a state, not row
// removal, so it can be synced and restored.
func (r *Repository) SoftDeleteRecord(id models.UUID) error {
	now := r.clock.Now().Unix()
	res, err := r.db.Exec(`
	UPDATE records
	SET deleted_at = ?, local_version = local_version + 1,
		sync_state = ?, sync_error = '', updated_at = ?
	WHERE id = ? AND deleted_at = 0
	`, now, models.SyncStatePending, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return nil
}

// SetArchived flips the archived flag as a regular local mutation.
func (r *Repository) SetArchived(id models.UUID, archived bool) error {
	now := r.clock.Now().Unix()
	res, err := r.db.Exec(`
	UPDATE records
	SET archived = ?, local_version = local_version + 1,
		sync_state = ?, sync_error = '', updated_at = ?
	WHERE id = ? AND deleted_at = 0
	`, archived, models.SyncStatePending, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to archive record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return nil
}

// ListRecords returns an owner's live records.
func (r *Repository) ListRecords(ownerID models.UUID, limit, offset int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
	SELECT `+recordColumns+` FROM records
	WHERE owner_id = ? AND deleted_at = 0
	ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, ownerID, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListUnsynced returns an owner's records holding unpropagated local changes
// (pending or failed; conflicted records need explicit resolution first).
func (r *Repository) ListUnsynced(ownerID models.UUID) ([]*models.Record, error) {
	rows, err := r.db.Query(`
	SELECT `+recordColumns+` FROM records
	WHERE owner_id = ? AND sync_state IN (?, ?)
	ORDER BY updated_at ASC
	`, ownerID, models.SyncStatePending, models.SyncStateFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list unsynced records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*models.Record, error) {
	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSyncing flags a record as having an in-flight transfer. A concurrent
// local edit is still permitted and bumps local_version, which MarkSynced
// later detects as stale.
func (r *Repository) MarkSyncing(id models.UUID) error {
	_, err := r.db.Exec(`UPDATE records SET sync_state = ? WHERE id = ?`,
		models.SyncStateSyncing, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record syncing", err)
	}
	return nil
}

// MarkSynced records that the remote accepted uploadedVersion. The transition
// to synced only happens when local_version still equals the uploaded version;
// if the record moved mid-flight the remote version is recorded but the record
// stays pending. Returns true when the in-flight result was stale.
func (r *Repository) MarkSynced(id models.UUID, uploadedVersion, remoteVersion int) (stale bool, err error) {
	now := r.clock.Now().Unix()
	res, err := r.db.Exec(`
	UPDATE records
	SET remote_version = ?, sync_state = ?, sync_error = '', updated_at = ?
	WHERE id = ? AND local_version = ?
	`, remoteVersion, models.SyncStateSynced, now, id, uploadedVersion)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record synced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	// Record changed while the upload was in flight: keep the accepted
	// remote version, leave the new local version pending.
	_, err = r.db.Exec(`
	UPDATE records SET remote_version = ?, sync_state = ? WHERE id = ?
	`, remoteVersion, models.SyncStatePending, id)
	if err != nil {
		return true, apperrors.Wrap(apperrors.ErrDatabase, "failed to record stale sync result", err)
	}
	return true, nil
}

// MarkConflict flags a fork and appends a conflict_log row carrying both
// sides' versions and timestamps.
func (r *Repository) MarkConflict(id models.UUID, remoteVersion int, remoteUpdatedAt int64) error {
	rec, err := r.GetRecord(id)
	if err != nil {
		return err
	}
	now := r.clock.Now().Unix()

	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin conflict write", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE records SET sync_state = ?, updated_at = ? WHERE id = ?`,
		models.SyncStateConflict, now, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record conflicted", err)
	}
	if _, err := tx.Exec(`
	INSERT INTO conflict_log (record_id, owner_id, local_version, remote_version,
		local_timestamp, remote_timestamp, resolved, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, rec.ID, rec.OwnerID, rec.LocalVersion, remoteVersion, rec.UpdatedAt, remoteUpdatedAt, now); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to log conflict", err)
	}
	return tx.Commit()
}

// MarkFailed records a sync failure on the record.
func (r *Repository) MarkFailed(id models.UUID, syncErr string) error {
	now := r.clock.Now().Unix()
	_, err := r.db.Exec(`
	UPDATE records SET sync_state = ?, sync_error = ?, updated_at = ? WHERE id = ?
	`, models.SyncStateFailed, syncErr, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record failed", err)
	}
	return nil
}

// ResetForResync clears conflict/failed state so the record re-enters the
// automatic queue. This is the explicit resolution re-entry point.
func (r *Repository) ResetForResync(id models.UUID) error {
	now := r.clock.Now().Unix()
	res, err := r.db.Exec(`
	UPDATE records SET sync_state = ?, sync_error = '', updated_at = ? WHERE id = ?
	`, models.SyncStatePending, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	_, err = r.db.Exec(`
	UPDATE conflict_log SET resolved = 1, resolved_at = ? WHERE record_id = ? AND resolved = 0
	`, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to resolve conflict log", err)
	}
	return nil
}

// ApplyRemote performs the server-origin write path: local and remote version
// are both set to the incoming version and the record becomes synced. The
// write is refused (applied=false) when it would lower local_version or when
// the record holds a pending local mutation; callers classify that case as a
// potential conflict instead.
func (r *Repository) ApplyRemote(rec *models.Record, version int, updatedAt int64) (applied bool, err error) {
	if rec.ID == "" {
		return false, apperrors.New(apperrors.ErrInvalid, "remote record missing id")
	}
	now := r.clock.Now().Unix()
	if updatedAt == 0 {
		updatedAt = now
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}

	existing, err := r.GetRecord(rec.ID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		_, err := r.db.Exec(`
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)
		`, rec.ID, rec.OwnerID, rec.Kind, string(rec.Payload),
			version, version, models.SyncStateSynced, rec.Archived,
			now, updatedAt, rec.DeletedAt)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to insert remote record", err)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// A server-origin write never reduces local_version, and never
	// overwrites an unpropagated local mutation.
	if version < existing.LocalVersion || existing.Dirty() {
		return false, nil
	}

	res, err := r.db.Exec(`
	UPDATE records
	SET kind = ?, payload = ?, local_version = ?, remote_version = ?,
		sync_state = ?, sync_error = '', archived = ?, updated_at = ?, deleted_at = ?
	WHERE id = ? AND local_version <= ?
	`, rec.Kind, string(rec.Payload), version, version, models.SyncStateSynced,
		rec.Archived, updatedAt, rec.DeletedAt, rec.ID, version)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to apply remote record", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =====================================================
// Queue Operations
// =====================================================

func scanQueueEntry(row interface{ Scan(...interface{}) error }) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := row.Scan(&e.RecordID, &e.OwnerID, &e.Operation, &e.Attempts,
		&e.MaxAttempts, &e.NextRetryAt, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const queueColumns = `record_id, owner_id, operation, attempts, max_attempts,
	next_retry_at, last_error, enqueued_at, updated_at`

// UpsertQueueEntry enqueues a mutation, collapsing into any live entry for the
// same record. A create that has never been pushed absorbs later updates; a
// delete replaces whatever was pending. Attempt counters reset on collapse
// because the payload to push has changed.
func (r *Repository) UpsertQueueEntry(entry *models.QueueEntry) (*models.QueueEntry, error) {
	now := r.clock.Now().Unix()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin enqueue", err)
	}
	defer tx.Rollback()

	existing, err := scanQueueEntry(tx.QueryRow(
		`SELECT `+queueColumns+` FROM sync_queue WHERE record_id = ?`, entry.RecordID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		entry.EnqueuedAt = now
		entry.UpdatedAt = now
		entry.Attempts = 0
		entry.LastError = ""
		entry.NextRetryAt = 0
		if entry.MaxAttempts <= 0 {
			entry.MaxAttempts = 5
		}
		if _, err := tx.Exec(`
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.RecordID, entry.OwnerID, entry.Operation, entry.Attempts,
			entry.MaxAttempts, entry.NextRetryAt, entry.LastError,
			entry.EnqueuedAt, entry.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue", err)
		}
	case err != nil:
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue entry", err)
	default:
		op := entry.Operation
		if existing.Operation == models.OperationCreate && op == models.OperationUpdate {
			// The remote has never seen this record
			op = models.OperationCreate
		}
		if _, err := tx.Exec(`
		UPDATE sync_queue
		SET operation = ?, attempts = 0, next_retry_at = 0, last_error = '', updated_at = ?
		WHERE record_id = ?
		`, op, now, entry.RecordID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to collapse queue entry", err)
		}
		entry.Operation = op
		entry.EnqueuedAt = existing.EnqueuedAt
		entry.MaxAttempts = existing.MaxAttempts
		entry.Attempts = 0
		entry.LastError = ""
		entry.NextRetryAt = 0
		entry.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit enqueue", err)
	}
	return entry, nil
}

// GetQueueEntry returns the live entry for a record, if any.
func (r *Repository) GetQueueEntry(recordID models.UUID) (*models.QueueEntry, error) {
	entry, err := scanQueueEntry(r.db.QueryRow(
		`SELECT `+queueColumns+` FROM sync_queue WHERE record_id = ?`, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no queue entry for record %s", recordID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get queue entry", err)
	}
	return entry, nil
}

// ListQueueReady returns an owner's entries eligible for a sync pass: retry
// budget remaining, backoff elapsed, and the record not sitting in conflict.
// Entries are returned, not removed; removal happens only on confirmed success.
func (r *Repository) ListQueueReady(ownerID models.UUID) ([]*models.QueueEntry, error) {
	now := r.clock.Now().Unix()
	rows, err := r.db.Query(`
	SELECT q.record_id, q.owner_id, q.operation, q.attempts, q.max_attempts,
		q.next_retry_at, q.last_error, q.enqueued_at, q.updated_at
	FROM sync_queue q
	JOIN records rec ON rec.id = q.record_id
	WHERE q.owner_id = ? AND q.attempts < q.max_attempts
		AND q.next_retry_at <= ? AND rec.sync_state != ?
	ORDER BY q.enqueued_at ASC
	`, ownerID, now, models.SyncStateConflict)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list ready queue entries", err)
	}
	defer rows.Close()

	var out []*models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteQueueEntry removes an entry after confirmed success or terminal failure.
func (r *Repository) DeleteQueueEntry(recordID models.UUID) error {
	_, err := r.db.Exec(`DELETE FROM sync_queue WHERE record_id = ?`, recordID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove queue entry", err)
	}
	return nil
}

// BumpQueueAttempts increments the attempt counter after a transport failure
// and schedules the next retry. Returns the updated entry so callers can see
// whether the ceiling was hit.
func (r *Repository) BumpQueueAttempts(recordID models.UUID, lastError string, nextRetryAt int64) (*models.QueueEntry, error) {
	now := r.clock.Now().Unix()
	res, err := r.db.Exec(`
	UPDATE sync_queue
	SET attempts = attempts + 1, last_error = ?, next_retry_at = ?, updated_at = ?
	WHERE record_id = ?
	`, lastError, nextRetryAt, now, recordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to bump queue attempts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no queue entry for record %s", recordID)
	}
	return r.GetQueueEntry(recordID)
}

// CountQueue returns the number of outstanding entries for an owner.
func (r *Repository) CountQueue(ownerID models.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue", err)
	}
	return n, nil
}

// OwnersWithQueuedWork returns the distinct owners holding retryable queue
// entries. Exhausted entries do not count as work.
func (r *Repository) OwnersWithQueuedWork() ([]models.UUID, error) {
	rows, err := r.db.Query(`
	SELECT DISTINCT owner_id FROM sync_queue WHERE attempts < max_attempts
	`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queued owners", err)
	}
	defer rows.Close()

	var owners []models.UUID
	for rows.Next() {
		var owner models.UUID
		if err := rows.Scan(&owner); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan owner", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// PurgeQueueStale deletes exhausted entries older than the cutoff. Live
// entries with retry budget remaining are never touched.
func (r *Repository) PurgeQueueStale(ownerID models.UUID, cutoff int64) (int64, error) {
	res, err := r.db.Exec(`
	DELETE FROM sync_queue
	WHERE owner_id = ? AND attempts >= max_attempts AND updated_at < ?
	`, ownerID, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge queue", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =====================================================
// Conflict Log Operations
// =====================================================

// ListUnresolvedConflicts returns the open conflict history for an owner.
func (r *Repository) ListUnresolvedConflicts(ownerID models.UUID) ([]*models.ConflictLog, error) {
	rows, err := r.db.Query(`
	SELECT id, record_id, owner_id, local_version, remote_version,
		local_timestamp, remote_timestamp, resolved, detected_at, resolved_at
	FROM conflict_log WHERE owner_id = ? AND resolved = 0
	ORDER BY detected_at DESC
	`, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.RecordID, &c.OwnerID, &c.LocalVersion,
			&c.RemoteVersion, &c.LocalTimestamp, &c.RemoteTimestamp,
			&c.Resolved, &c.DetectedAt, &c.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PurgeResolvedConflicts deletes resolved conflict history older than the
// cutoff. Unresolved conflicts are never touched.
func (r *Repository) PurgeResolvedConflicts(ownerID models.UUID, cutoff int64) (int64, error) {
	res, err := r.db.Exec(`
	DELETE FROM conflict_log
	WHERE owner_id = ? AND resolved = 1 AND resolved_at < ?
	`, ownerID, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge conflicts", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =====================================================
// Sync Run / Cursor Operations
// =====================================================

// SaveSyncRun persists the summary of a completed session.
func (r *Repository) SaveSyncRun(run *models.SyncRun) error {
	res, err := r.db.Exec(`
	INSERT INTO sync_runs (owner_id, direction, synced_count, failed_count,
		conflict_count, downloaded, partial, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.OwnerID, run.Direction, run.SyncedCount, run.FailedCount,
		run.ConflictCount, run.Downloaded, run.Partial, run.StartedAt, run.FinishedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save sync run", err)
	}
	run.ID, _ = res.LastInsertId()
	return nil
}

// LastSyncRun returns the most recent run summary for an owner, or nil.
func (r *Repository) LastSyncRun(ownerID models.UUID) (*models.SyncRun, error) {
	var run models.SyncRun
	err := r.db.QueryRow(`
	SELECT id, owner_id, direction, synced_count, failed_count, conflict_count,
		downloaded, partial, started_at, finished_at
	FROM sync_runs WHERE owner_id = ? ORDER BY finished_at DESC, id DESC LIMIT 1
	`, ownerID).Scan(&run.ID, &run.OwnerID, &run.Direction, &run.SyncedCount,
		&run.FailedCount, &run.ConflictCount, &run.Downloaded, &run.Partial,
		&run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get last sync run", err)
	}
	return &run, nil
}

// PullCursor returns the per-owner download cursor (0 if never pulled).
func (r *Repository) PullCursor(ownerID models.UUID) (int64, error) {
	var cursor int64
	err := r.db.QueryRow(`SELECT pull_cursor FROM sync_state WHERE owner_id = ?`, ownerID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read pull cursor", err)
	}
	return cursor, nil
}

// SetPullCursor advances the per-owner download cursor.
func (r *Repository) SetPullCursor(ownerID models.UUID, cursor int64) error {
	now := r.clock.Now().Unix()
	_, err := r.db.Exec(`
	INSERT INTO sync_state (owner_id, pull_cursor, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET pull_cursor = excluded.pull_cursor, updated_at = excluded.updated_at
	`, ownerID, cursor, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to set pull cursor", err)
	}
	return nil
}
