package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/daybook/internal/clock"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
)

const testOwner = models.UUID("aaaaaaaa-0000-0000-0000-000000000001")

func setupRepo(t *testing.T) (*Repository, *clock.Fake) {
	t.Helper()
	database, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, Migrate(database.DB))

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	repo := NewRepository(database.DB, clk)
	t.Cleanup(func() { repo.Close() })
	return repo, clk
}

func createTestRecord(t *testing.T, repo *Repository) *models.Record {
	t.Helper()
	rec := &models.Record{
		OwnerID: testOwner,
		Kind:    models.KindNote,
		Payload: json.RawMessage(`{"text":"hello"}`),
	}
	require.NoError(t, repo.CreateRecord(rec))
	return rec
}

func TestCreateRecord(t *testing.T) {
	repo, _ := setupRepo(t)

	rec := createTestRecord(t, repo)
	require.NotEmpty(t, rec.ID)

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LocalVersion)
	assert.Equal(t, 0, got.RemoteVersion)
	assert.Equal(t, models.SyncStatePending, got.SyncState)
	assert.True(t, got.Dirty())
	assert.False(t, got.Deleted())
}

func TestUpdateRecordBumpsVersion(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	updated, err := repo.UpdateRecord(rec.ID, json.RawMessage(`{"text":"edited"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.LocalVersion)
	assert.Equal(t, models.SyncStatePending, updated.SyncState)
	assert.JSONEq(t, `{"text":"edited"}`, string(updated.Payload))
}

func TestUpdateMissingRecord(t *testing.T) {
	repo, _ := setupRepo(t)

	_, err := repo.UpdateRecord("bbbbbbbb-0000-0000-0000-000000000002", json.RawMessage(`{}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSoftDelete(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	require.NoError(t, repo.SoftDeleteRecord(rec.ID))

	// The tombstone stays readable so the deletion can still be uploaded.
	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())
	assert.Equal(t, 2, got.LocalVersion)

	list, err := repo.ListRecords(testOwner, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Deleting twice is not possible; the tombstone is final.
	err = repo.SoftDeleteRecord(rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestMarkSynced(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	stale, err := repo.MarkSynced(rec.ID, 1, 1)
	require.NoError(t, err)
	assert.False(t, stale)

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
	assert.Equal(t, 1, got.RemoteVersion)
	assert.False(t, got.Dirty())
}

func TestMarkSyncedStaleInFlightResult(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	// The record mutates while version 1 is being uploaded.
	require.NoError(t, repo.MarkSyncing(rec.ID))
	_, err := repo.UpdateRecord(rec.ID, json.RawMessage(`{"text":"mid-flight edit"}`))
	require.NoError(t, err)

	stale, err := repo.MarkSynced(rec.ID, 1, 1)
	require.NoError(t, err)
	assert.True(t, stale)

	// The accepted remote version is recorded but the newer local version
	// stays pending instead of being stamped synced.
	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, got.SyncState)
	assert.Equal(t, 2, got.LocalVersion)
	assert.Equal(t, 1, got.RemoteVersion)
	assert.True(t, got.Dirty())
}

func TestMarkConflictWritesLog(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	require.NoError(t, repo.MarkConflict(rec.ID, 4, 1234))

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateConflict, got.SyncState)

	conflicts, err := repo.ListUnresolvedConflicts(testOwner)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, rec.ID, conflicts[0].RecordID)
	assert.Equal(t, 1, conflicts[0].LocalVersion)
	assert.Equal(t, 4, conflicts[0].RemoteVersion)
	assert.Equal(t, int64(1234), conflicts[0].RemoteTimestamp)
}

func TestResetForResync(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)
	require.NoError(t, repo.MarkConflict(rec.ID, 4, 1234))

	require.NoError(t, repo.ResetForResync(rec.ID))

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, got.SyncState)

	conflicts, err := repo.ListUnresolvedConflicts(testOwner)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestApplyRemoteInsertsUnknownRecord(t *testing.T) {
	repo, _ := setupRepo(t)

	applied, err := repo.ApplyRemote(&models.Record{
		ID:      "cccccccc-0000-0000-0000-000000000003",
		OwnerID: testOwner,
		Kind:    models.KindEntry,
		Payload: json.RawMessage(`{"text":"from another device"}`),
	}, 3, 5000)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetRecord("cccccccc-0000-0000-0000-000000000003")
	require.NoError(t, err)
	assert.Equal(t, 3, got.LocalVersion)
	assert.Equal(t, 3, got.RemoteVersion)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
}

func TestApplyRemoteAdvancesCleanRecord(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)
	_, err := repo.MarkSynced(rec.ID, 1, 1)
	require.NoError(t, err)

	applied, err := repo.ApplyRemote(&models.Record{
		ID:      rec.ID,
		OwnerID: testOwner,
		Kind:    models.KindNote,
		Payload: json.RawMessage(`{"text":"newer remote"}`),
	}, 2, 6000)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.LocalVersion)
	assert.Equal(t, 2, got.RemoteVersion)
	assert.JSONEq(t, `{"text":"newer remote"}`, string(got.Payload))
}

func TestApplyRemoteNeverLowersVersion(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)
	_, err := repo.UpdateRecord(rec.ID, json.RawMessage(`{"text":"v2"}`))
	require.NoError(t, err)
	_, err = repo.UpdateRecord(rec.ID, json.RawMessage(`{"text":"v3"}`))
	require.NoError(t, err)
	_, err = repo.MarkSynced(rec.ID, 3, 3)
	require.NoError(t, err)

	applied, err := repo.ApplyRemote(&models.Record{
		ID: rec.ID, OwnerID: testOwner, Kind: models.KindNote,
		Payload: json.RawMessage(`{"text":"old echo"}`),
	}, 1, 100)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.LocalVersion)
	assert.JSONEq(t, `{"text":"v3"}`, string(got.Payload))
}

func TestApplyRemoteRefusesDirtyRecord(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	// Dirty: local version 1 never uploaded. A remote write must not
	// silently discard it even when the remote version is higher.
	applied, err := repo.ApplyRemote(&models.Record{
		ID: rec.ID, OwnerID: testOwner, Kind: models.KindNote,
		Payload: json.RawMessage(`{"text":"remote"}`),
	}, 5, 100)
	require.NoError(t, err)
	assert.False(t, applied)
}

// =====================================================
// Queue
// =====================================================

func enqueueTest(t *testing.T, repo *Repository, recordID models.UUID, op models.QueueOperation) *models.QueueEntry {
	t.Helper()
	entry, err := repo.UpsertQueueEntry(&models.QueueEntry{
		RecordID:    recordID,
		OwnerID:     testOwner,
		Operation:   op,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	return entry
}

func TestQueueCollapseCreateThenUpdate(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	enqueueTest(t, repo, rec.ID, models.OperationCreate)
	entry := enqueueTest(t, repo, rec.ID, models.OperationUpdate)

	// The remote has never seen the record, so the pending intention is
	// still a create.
	assert.Equal(t, models.OperationCreate, entry.Operation)

	n, err := repo.CountQueue(testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueCollapseDeleteWins(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	enqueueTest(t, repo, rec.ID, models.OperationUpdate)
	entry := enqueueTest(t, repo, rec.ID, models.OperationDelete)
	assert.Equal(t, models.OperationDelete, entry.Operation)
}

func TestQueueCollapseResetsAttempts(t *testing.T) {
	repo, clk := setupRepo(t)
	rec := createTestRecord(t, repo)

	enqueueTest(t, repo, rec.ID, models.OperationCreate)
	_, err := repo.BumpQueueAttempts(rec.ID, "connection reset", clk.Now().Add(time.Hour).Unix())
	require.NoError(t, err)

	entry := enqueueTest(t, repo, rec.ID, models.OperationUpdate)
	assert.Equal(t, 0, entry.Attempts)
	assert.Empty(t, entry.LastError)
	assert.Zero(t, entry.NextRetryAt)
}

func TestListQueueReadyGating(t *testing.T) {
	repo, clk := setupRepo(t)
	ready := createTestRecord(t, repo)
	backedOff := createTestRecord(t, repo)
	conflicted := createTestRecord(t, repo)

	enqueueTest(t, repo, ready.ID, models.OperationCreate)
	enqueueTest(t, repo, backedOff.ID, models.OperationCreate)
	enqueueTest(t, repo, conflicted.ID, models.OperationCreate)

	_, err := repo.BumpQueueAttempts(backedOff.ID, "timeout", clk.Now().Add(time.Hour).Unix())
	require.NoError(t, err)
	require.NoError(t, repo.MarkConflict(conflicted.ID, 2, 100))

	entries, err := repo.ListQueueReady(testOwner)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ready.ID, entries[0].RecordID)

	// Once the backoff window passes the entry becomes ready again.
	clk.Advance(2 * time.Hour)
	entries, err = repo.ListQueueReady(testOwner)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestQueueAttemptCeiling(t *testing.T) {
	repo, clk := setupRepo(t)
	rec := createTestRecord(t, repo)
	enqueueTest(t, repo, rec.ID, models.OperationCreate)

	var entry *models.QueueEntry
	var err error
	for i := 0; i < 3; i++ {
		entry, err = repo.BumpQueueAttempts(rec.ID, "unreachable", clk.Now().Unix())
		require.NoError(t, err)
	}
	assert.True(t, entry.Exhausted())

	// Exhausted entries are no longer offered for sync.
	entries, err := repo.ListQueueReady(testOwner)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeQueueStaleOnlyExhausted(t *testing.T) {
	repo, clk := setupRepo(t)
	live := createTestRecord(t, repo)
	dead := createTestRecord(t, repo)

	enqueueTest(t, repo, live.ID, models.OperationCreate)
	enqueueTest(t, repo, dead.ID, models.OperationCreate)
	for i := 0; i < 3; i++ {
		_, err := repo.BumpQueueAttempts(dead.ID, "unreachable", clk.Now().Unix())
		require.NoError(t, err)
	}

	clk.Advance(48 * time.Hour)
	purged, err := repo.PurgeQueueStale(testOwner, clk.Now().Add(-24*time.Hour).Unix())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	n, err := repo.CountQueue(testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOwnersWithQueuedWork(t *testing.T) {
	repo, _ := setupRepo(t)
	rec := createTestRecord(t, repo)

	owners, err := repo.OwnersWithQueuedWork()
	require.NoError(t, err)
	assert.Empty(t, owners)

	enqueueTest(t, repo, rec.ID, models.OperationCreate)
	owners, err = repo.OwnersWithQueuedWork()
	require.NoError(t, err)
	assert.Equal(t, []models.UUID{testOwner}, owners)
}

// =====================================================
// Runs and cursors
// =====================================================

func TestSyncRunRoundTrip(t *testing.T) {
	repo, _ := setupRepo(t)

	last, err := repo.LastSyncRun(testOwner)
	require.NoError(t, err)
	assert.Nil(t, last)

	res := &models.SyncResult{
		SyncedIDs:  []models.UUID{"dddddddd-0000-0000-0000-000000000004"},
		Downloaded: 2,
		StartedAt:  time.Unix(100, 0),
		FinishedAt: time.Unix(160, 0),
	}
	require.NoError(t, repo.SaveSyncRun(models.RunFromResult(testOwner, models.DirectionBoth, res)))

	last, err = repo.LastSyncRun(testOwner)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.SyncedCount)
	assert.Equal(t, 2, last.Downloaded)
	assert.Equal(t, string(models.DirectionBoth), last.Direction)
}

func TestPullCursor(t *testing.T) {
	repo, _ := setupRepo(t)

	cursor, err := repo.PullCursor(testOwner)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, repo.SetPullCursor(testOwner, 42))
	require.NoError(t, repo.SetPullCursor(testOwner, 99))

	cursor, err = repo.PullCursor(testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cursor)
}
