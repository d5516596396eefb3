package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/daybook/internal/clock"
	"github.com/kimhsiao/daybook/internal/db"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
	"github.com/kimhsiao/daybook/internal/netmon"
	"github.com/kimhsiao/daybook/internal/ratelimit"
	"github.com/kimhsiao/daybook/internal/sync/queue"
)

const testOwner = models.UUID("aaaaaaaa-0000-0000-0000-000000000001")

// fakeTransport is an in-memory remote store.
type fakeTransport struct {
	mu       gosync.Mutex
	versions map[models.UUID]int
	updated  map[models.UUID]int64

	pushErr  error
	headErr  error
	pullErr  error
	remotes  []*RemoteRecord
	cursor   int64
	pushed   []models.UUID
	onPush   func(rec *RemoteRecord)
	blockCh  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		versions: make(map[models.UUID]int),
		updated:  make(map[models.UUID]int64),
	}
}

func (f *fakeTransport) Push(ctx context.Context, rec *RemoteRecord) (int, error) {
	f.mu.Lock()
	onPush := f.onPush
	pushErr := f.pushErr
	f.mu.Unlock()

	if onPush != nil {
		onPush(rec)
	}
	if pushErr != nil {
		return 0, pushErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[rec.ID] = rec.Version
	f.updated[rec.ID] = rec.UpdatedAt
	f.pushed = append(f.pushed, rec.ID)
	return rec.Version, nil
}

func (f *fakeTransport) Head(ctx context.Context, recordID models.UUID) (int, int64, error) {
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, 0, f.headErr
	}
	return f.versions[recordID], f.updated[recordID], nil
}

func (f *fakeTransport) Pull(ctx context.Context, ownerID models.UUID, cursor int64) ([]*RemoteRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, 0, f.pullErr
	}
	next := f.cursor
	if next == 0 {
		next = cursor
	}
	return f.remotes, next, nil
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

// staticMonitor serves a settable status.
type staticMonitor struct {
	mu     gosync.Mutex
	status netmon.Status
}

func (m *staticMonitor) Status() netmon.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *staticMonitor) set(online bool, quality netmon.Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = netmon.Status{Online: online, Quality: quality}
}

type engineFixture struct {
	engine    *Engine
	repo      *db.Repository
	queue     *queue.Queue
	transport *fakeTransport
	monitor   *staticMonitor
	clock     *clock.Fake
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database.DB))

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	repo := db.NewRepository(database.DB, clk)
	t.Cleanup(func() { repo.Close() })

	q := queue.NewQueue(repo, clk, 2)
	monitor := &staticMonitor{}
	monitor.set(true, netmon.QualityGood)
	transport := newFakeTransport()
	limiter := ratelimit.NewLimiter(map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassSync: {MaxRequests: 100, Window: time.Minute},
	}, clk)

	engine := NewEngine(repo, q, monitor, limiter, transport, clk, nil, Config{
		Workers:      2,
		PaceInterval: time.Microsecond,
	})
	return &engineFixture{
		engine: engine, repo: repo, queue: q,
		transport: transport, monitor: monitor, clock: clk,
	}
}

func (f *engineFixture) newPendingRecord(t *testing.T) *models.Record {
	t.Helper()
	rec := &models.Record{
		OwnerID: testOwner,
		Kind:    models.KindNote,
		Payload: json.RawMessage(`{"text":"x"}`),
	}
	require.NoError(t, f.repo.CreateRecord(rec))
	_, err := f.queue.Enqueue(rec.ID, testOwner, models.OperationCreate)
	require.NoError(t, err)
	return rec
}

func TestRunUploadsQueuedRecords(t *testing.T) {
	f := setupEngine(t)
	first := f.newPendingRecord(t)
	second := f.newPendingRecord(t)

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	assert.Len(t, res.SyncedIDs, 2)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Conflicts)
	assert.False(t, res.Partial)

	for _, id := range []models.UUID{first.ID, second.ID} {
		rec, err := f.repo.GetRecord(id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStateSynced, rec.SyncState)
		assert.Equal(t, 1, rec.RemoteVersion)
	}

	n, err := f.queue.Len(testOwner)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Re-running with nothing queued is a no-op, not an error.
	res, err = f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.SyncedIDs)
	assert.Equal(t, 2, f.transport.pushCount())
}

func TestRunRejectedWhenOffline(t *testing.T) {
	f := setupEngine(t)
	f.newPendingRecord(t)
	f.monitor.set(false, netmon.QualityPoor)

	_, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
	assert.Zero(t, f.transport.pushCount())
}

func TestRunPoorLinkRefusesMultiRecord(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)
	f.newPendingRecord(t)
	f.monitor.set(true, netmon.QualityPoor)

	_, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPoorConnection))

	// A single explicit record still goes through.
	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{
		RecordIDs: []models.UUID{rec.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.UUID{rec.ID}, res.SyncedIDs)

	// Force overrides the refusal for the rest.
	res, err = f.engine.Run(context.Background(), testOwner, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Len(t, res.SyncedIDs, 1)
}

func TestRunSingleFlightPerOwner(t *testing.T) {
	f := setupEngine(t)
	f.newPendingRecord(t)
	f.transport.blockCh = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		return f.engine.InProgress(testOwner)
	}, time.Second, time.Millisecond)

	_, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress))

	// A different owner is not blocked.
	res, err := f.engine.Run(context.Background(), "bbbbbbbb-0000-0000-0000-000000000002", RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.SyncedIDs)

	close(f.transport.blockCh)
	<-done
	assert.False(t, f.engine.InProgress(testOwner))
}

func TestRunRateLimited(t *testing.T) {
	f := setupEngine(t)
	limiter := ratelimit.NewLimiter(map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassSync: {MaxRequests: 1, Window: time.Minute},
	}, f.clock)
	f.engine.limiter = limiter

	_, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)

	_, err = f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRateLimited))
}

func TestRunDetectsForkBeforePush(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)

	// Another device already wrote version 1 remotely; our unpushed local
	// version 1 forked from base 0.
	f.transport.versions[rec.ID] = 1
	f.transport.updated[rec.ID] = 9000

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, rec.ID, res.Conflicts[0].RecordID)
	assert.Equal(t, 1, res.Conflicts[0].LocalVersion)
	assert.Equal(t, 1, res.Conflicts[0].RemoteVersion)
	assert.Empty(t, res.SyncedIDs)
	assert.Zero(t, f.transport.pushCount())

	got, err := f.repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateConflict, got.SyncState)

	// Conflicted records are withheld from later runs until resolved.
	res, err = f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Zero(t, f.transport.pushCount())
}

func TestRunRemoteRejectionIsConflict(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)
	f.transport.pushErr = &VersionConflictError{RemoteVersion: 3, RemoteUpdatedAt: 9000}

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, 3, res.Conflicts[0].RemoteVersion)

	got, err := f.repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateConflict, got.SyncState)
}

func TestRunTransientFailureStaysQueued(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)
	f.transport.pushErr = apperrors.New(apperrors.ErrTransport, "connection reset")

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Permanent)

	got, err := f.repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, got.SyncState)

	entry, err := f.repo.GetQueueEntry(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
}

func TestRunAttemptCeilingBecomesPermanent(t *testing.T) {
	f := setupEngine(t)
	f.newPendingRecord(t)
	f.transport.pushErr = apperrors.New(apperrors.ErrTransport, "unreachable")

	// Queue allows 2 attempts; the retry backoff must elapse between runs.
	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Permanent)

	f.clock.Advance(3 * time.Minute)
	res, err = f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].Permanent)

	// Exhausted entries stop being retried.
	f.clock.Advance(2 * time.Hour)
	res, err = f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
}

func TestRunValidationFailureIsPermanent(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)
	f.transport.pushErr = apperrors.New(apperrors.ErrValidation, "payload too large")

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].Permanent)

	// The entry is dropped rather than retried.
	_, err = f.repo.GetQueueEntry(rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRunMidFlightEditKeepsRecordPending(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)

	f.transport.onPush = func(_ *RemoteRecord) {
		// A local edit lands while version 1 is on the wire.
		_, err := f.repo.UpdateRecord(rec.ID, json.RawMessage(`{"text":"newer"}`))
		require.NoError(t, err)
	}

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)
	assert.Len(t, res.SyncedIDs, 1)

	got, err := f.repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, got.SyncState)
	assert.Equal(t, 2, got.LocalVersion)
	assert.Equal(t, 1, got.RemoteVersion)

	// The collapsed queue entry survives for the next pass.
	_, err = f.repo.GetQueueEntry(rec.ID)
	assert.NoError(t, err)
}

func TestRunDownloadAppliesRemoteChanges(t *testing.T) {
	f := setupEngine(t)
	f.transport.remotes = []*RemoteRecord{
		{
			ID:        "cccccccc-0000-0000-0000-000000000003",
			OwnerID:   testOwner,
			Kind:      models.KindEntry,
			Payload:   json.RawMessage(`{"text":"from elsewhere"}`),
			Version:   2,
			UpdatedAt: 9000,
			Seq:       7,
		},
	}
	f.transport.cursor = 7

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{Direction: models.DirectionDownload})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)

	got, err := f.repo.GetRecord("cccccccc-0000-0000-0000-000000000003")
	require.NoError(t, err)
	assert.Equal(t, 2, got.LocalVersion)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)

	cursor, err := f.repo.PullCursor(testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cursor)
}

func TestRunDownloadFlagsForkOnDirtyRecord(t *testing.T) {
	f := setupEngine(t)
	rec := f.newPendingRecord(t)
	require.NoError(t, f.queue.Remove(rec.ID))

	f.transport.remotes = []*RemoteRecord{
		{
			ID: rec.ID, OwnerID: testOwner, Kind: models.KindNote,
			Payload: json.RawMessage(`{"text":"remote edit"}`), Version: 1, UpdatedAt: 9000,
		},
	}

	res, err := f.engine.Run(context.Background(), testOwner, RunOptions{Direction: models.DirectionDownload})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Zero(t, res.Downloaded)

	// The unpropagated local payload was not overwritten.
	got, err := f.repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"x"}`, string(got.Payload))
}

func TestRunPersistsRunSummary(t *testing.T) {
	f := setupEngine(t)
	f.newPendingRecord(t)

	_, err := f.engine.Run(context.Background(), testOwner, RunOptions{})
	require.NoError(t, err)

	run, err := f.repo.LastSyncRun(testOwner)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.SyncedCount)
	assert.Equal(t, string(models.DirectionBoth), run.Direction)
}

func TestRunInvalidDirection(t *testing.T) {
	f := setupEngine(t)

	_, err := f.engine.Run(context.Background(), testOwner, RunOptions{Direction: "sideways"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRunExpiredDeadlineGivesPartialResult(t *testing.T) {
	f := setupEngine(t)
	f.newPendingRecord(t)
	f.newPendingRecord(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Run(ctx, testOwner, RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Zero(t, f.transport.pushCount())
}
