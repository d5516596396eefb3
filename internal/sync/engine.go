package sync

import (
	"context"
	stderrors "errors"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kimhsiao/daybook/internal/clock"
	"github.com/kimhsiao/daybook/internal/db"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
	"github.com/kimhsiao/daybook/internal/netmon"
	"github.com/kimhsiao/daybook/internal/ratelimit"
	"github.com/kimhsiao/daybook/internal/sync/conflict"
	"github.com/kimhsiao/daybook/internal/sync/queue"
)

// NetworkMonitor is the connectivity view the engine consumes.
type NetworkMonitor interface {
	Status() netmon.Status
}

// EventSink receives sync lifecycle notifications. The WebSocket hub
// implements it in production; tests inject a recorder or leave it nil.
type EventSink interface {
	SyncStarted(ownerID models.UUID)
	SyncProgress(ownerID models.UUID, done, total int)
	SyncCompleted(ownerID models.UUID, result *models.SyncResult)
	ConflictDetected(ownerID models.UUID, info models.ConflictInfo)
}

type nopEvents struct{}

func (nopEvents) SyncStarted(models.UUID)                          {}
func (nopEvents) SyncProgress(models.UUID, int, int)               {}
func (nopEvents) SyncCompleted(models.UUID, *models.SyncResult)    {}
func (nopEvents) ConflictDetected(models.UUID, models.ConflictInfo) {}

// Config tunes a session engine.
type Config struct {
	// Workers bounds how many transfers are in flight at once.
	Workers int
	// PaceInterval spaces individual transfers so a large session cannot
	// saturate the link the monitor is judging.
	PaceInterval time.Duration
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{Workers: 4, PaceInterval: 50 * time.Millisecond}
}

// RunOptions selects what one session covers.
type RunOptions struct {
	Direction models.SyncDirection
	// RecordIDs optionally restricts the session to an explicit subset,
	// filtered to records the owner holds queue entries for.
	RecordIDs []models.UUID
	// Force overrides the poor-connection refusal for multi-record runs.
	Force bool
}

// Engine drives sync sessions. All collaborators are injected; the only
// cross-call mutual exclusion is the per-owner single-flight lock on Run.
type Engine struct {
	repo      *db.Repository
	queue     *queue.Queue
	monitor   NetworkMonitor
	limiter   *ratelimit.Limiter
	transport Transport
	detector  *conflict.Detector
	clock     clock.Clock
	events    EventSink
	workers   int
	pace      *rate.Limiter

	mu       gosync.Mutex
	inflight map[models.UUID]struct{}
}

// NewEngine creates an Engine.
func NewEngine(repo *db.Repository, q *queue.Queue, monitor NetworkMonitor,
	limiter *ratelimit.Limiter, transport Transport, clk clock.Clock,
	events EventSink, cfg Config) *Engine {

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PaceInterval <= 0 {
		cfg.PaceInterval = DefaultConfig().PaceInterval
	}
	if clk == nil {
		clk = clock.System()
	}
	if events == nil {
		events = nopEvents{}
	}
	return &Engine{
		repo:      repo,
		queue:     q,
		monitor:   monitor,
		limiter:   limiter,
		transport: transport,
		detector:  conflict.NewDetector(),
		clock:     clk,
		events:    events,
		workers:   cfg.Workers,
		pace:      rate.NewLimiter(rate.Every(cfg.PaceInterval), cfg.Workers),
		inflight:  make(map[models.UUID]struct{}),
	}
}

// Run executes one sync session for an owner.
//
// Preconditions, in order: the rate limiter must admit the call, the link must
// be up (offline is a hard signal), and a poor link refuses multi-record runs
// unless forced. At most one session per owner is active; a second call gets
// SYNC_IN_PROGRESS instead of being queued.
//
// A deadline on ctx is honored: in-flight items finish naturally and a partial
// result is returned instead of an error, so the caller always has an
// actionable outcome.
func (e *Engine) Run(ctx context.Context, ownerID models.UUID, opts RunOptions) (*models.SyncResult, error) {
	if opts.Direction == "" {
		opts.Direction = models.DirectionBoth
	}
	if !opts.Direction.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown sync direction %q", opts.Direction)
	}

	if err := e.limiter.Allow(ratelimit.ClassSync, ownerID.String()); err != nil {
		return nil, err
	}

	status := e.monitor.Status()
	if !status.Online {
		return nil, apperrors.New(apperrors.ErrOffline, "network is offline; mutations stay queued")
	}
	multi := len(opts.RecordIDs) != 1
	if status.Quality == netmon.QualityPoor && multi && !opts.Force {
		return nil, apperrors.New(apperrors.ErrPoorConnection, "connection quality too poor for a bulk sync")
	}

	if !e.acquire(ownerID) {
		return nil, apperrors.Newf(apperrors.ErrSyncInProgress, "sync already in progress for owner %s", ownerID)
	}
	defer e.release(ownerID)

	e.events.SyncStarted(ownerID)
	result := &models.SyncResult{StartedAt: e.clock.Now()}
	collector := &resultCollector{result: result}

	if opts.Direction != models.DirectionDownload {
		e.uploadPass(ctx, ownerID, opts, collector)
	}
	if opts.Direction != models.DirectionUpload && !result.Partial && ctx.Err() == nil {
		if err := e.downloadPass(ctx, ownerID, collector); err != nil {
			e.finish(ownerID, opts.Direction, result)
			return result, err
		}
	}

	e.finish(ownerID, opts.Direction, result)
	return result, nil
}

// InProgress reports whether a session is currently running for the owner.
func (e *Engine) InProgress(ownerID models.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[ownerID]
	return ok
}

func (e *Engine) acquire(ownerID models.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[ownerID]; ok {
		return false
	}
	e.inflight[ownerID] = struct{}{}
	return true
}

func (e *Engine) release(ownerID models.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, ownerID)
}

func (e *Engine) finish(ownerID models.UUID, direction models.SyncDirection, result *models.SyncResult) {
	result.FinishedAt = e.clock.Now()
	if err := e.repo.SaveSyncRun(models.RunFromResult(ownerID, direction, result)); err != nil {
		logrus.WithError(err).Warn("Failed to persist sync run summary")
	}
	e.events.SyncCompleted(ownerID, result)

	logrus.WithField("owner_id", ownerID).
		WithField("synced", len(result.SyncedIDs)).
		WithField("failed", len(result.Failed)).
		WithField("conflicts", len(result.Conflicts)).
		WithField("downloaded", result.Downloaded).
		WithField("partial", result.Partial).
		Info("Sync session finished")
}

// uploadPass drains the owner's queue in bounded batches, re-sampling the
// link between batches: a session that starts on a good link but degrades
// mid-run stops admitting new items and finishes only the in-flight ones.
func (e *Engine) uploadPass(ctx context.Context, ownerID models.UUID, opts RunOptions, collector *resultCollector) {
	entries, err := e.workingSet(ownerID, opts.RecordIDs)
	if err != nil {
		logrus.WithError(err).WithField("owner_id", ownerID).Error("Failed to resolve working set")
		return
	}

	total := len(entries)
	done := 0
	multi := total > 1

	for start := 0; start < total; start += e.workers {
		if ctx.Err() != nil {
			collector.markPartial()
			return
		}
		status := e.monitor.Status()
		if !status.Online || (status.Quality == netmon.QualityPoor && multi && !opts.Force) {
			collector.markPartial()
			return
		}

		end := start + e.workers
		if end > total {
			end = total
		}

		var wg gosync.WaitGroup
		for _, entry := range entries[start:end] {
			wg.Add(1)
			go func(entry *models.QueueEntry) {
				defer wg.Done()
				if err := e.pace.Wait(ctx); err != nil {
					collector.markPartial()
					return
				}
				e.uploadOne(ctx, entry, collector)
			}(entry)
		}
		wg.Wait()

		done = end
		e.events.SyncProgress(ownerID, done, total)
	}
}

// workingSet resolves which queue entries this session covers.
func (e *Engine) workingSet(ownerID models.UUID, recordIDs []models.UUID) ([]*models.QueueEntry, error) {
	entries, err := e.queue.Drain(ownerID)
	if err != nil {
		return nil, err
	}
	if recordIDs == nil {
		return entries, nil
	}

	wanted := make(map[models.UUID]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = struct{}{}
	}
	filtered := entries[:0]
	for _, entry := range entries {
		if _, ok := wanted[entry.RecordID]; ok {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// uploadOne reconciles a single queued mutation with the remote store.
func (e *Engine) uploadOne(ctx context.Context, entry *models.QueueEntry, collector *resultCollector) {
	rec, err := e.repo.GetRecord(entry.RecordID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		// Record vanished locally; the intention is moot.
		e.queue.Remove(entry.RecordID)
		return
	}
	if err != nil {
		collector.addFailed(entry.RecordID, err, false)
		return
	}
	if rec.SyncState == models.SyncStateConflict {
		return
	}

	remoteVersion, remoteUpdatedAt, err := e.transport.Head(ctx, rec.ID)
	if err != nil {
		e.handleTransportFailure(rec.ID, err, collector)
		return
	}

	switch e.detector.Classify(rec, remoteVersion, remoteUpdatedAt) {
	case conflict.UpToDate:
		if _, err := e.repo.MarkSynced(rec.ID, rec.LocalVersion, rec.RemoteVersion); err != nil {
			collector.addFailed(rec.ID, err, false)
			return
		}
		e.queue.Remove(rec.ID)

	case conflict.NeedsDownload:
		// Nothing local to push; the download pass picks it up.
		e.queue.Remove(rec.ID)

	case conflict.Conflict:
		e.recordConflict(rec, remoteVersion, remoteUpdatedAt, collector)

	case conflict.NeedsUpload:
		e.push(ctx, rec, collector)
	}
}

func (e *Engine) push(ctx context.Context, rec *models.Record, collector *resultCollector) {
	uploadedVersion := rec.LocalVersion

	if err := e.repo.MarkSyncing(rec.ID); err != nil {
		collector.addFailed(rec.ID, err, false)
		return
	}

	accepted, err := e.transport.Push(ctx, RemoteFromRecord(rec))
	if err == nil {
		stale, err := e.repo.MarkSynced(rec.ID, uploadedVersion, accepted)
		if err != nil {
			collector.addFailed(rec.ID, err, false)
			return
		}
		if !stale {
			// A stale result means the record mutated mid-flight and its
			// collapsed queue entry must survive for the next pass.
			e.queue.Remove(rec.ID)
		}
		collector.addSynced(rec.ID)
		return
	}

	var vce *VersionConflictError
	if stderrors.As(err, &vce) {
		e.recordConflict(rec, vce.RemoteVersion, vce.RemoteUpdatedAt, collector)
		return
	}
	if apperrors.Is(err, apperrors.ErrValidation) {
		// The remote rejected the payload; retrying cannot help.
		if markErr := e.repo.MarkFailed(rec.ID, err.Error()); markErr != nil {
			logrus.WithError(markErr).WithField("record_id", rec.ID).Error("Failed to mark record failed")
		}
		e.queue.Remove(rec.ID)
		collector.addFailed(rec.ID, err, true)
		return
	}
	e.handleTransportFailure(rec.ID, err, collector)
}

func (e *Engine) recordConflict(rec *models.Record, remoteVersion int, remoteUpdatedAt int64, collector *resultCollector) {
	if err := e.repo.MarkConflict(rec.ID, remoteVersion, remoteUpdatedAt); err != nil {
		collector.addFailed(rec.ID, err, false)
		return
	}
	info := e.detector.Info(rec, remoteVersion, remoteUpdatedAt)
	collector.addConflict(info)
	e.events.ConflictDetected(rec.OwnerID, info)
}

// handleTransportFailure books a transient failure: the record stays queued
// for retry until the attempt ceiling converts it to a permanent failure.
func (e *Engine) handleTransportFailure(recordID models.UUID, cause error, collector *resultCollector) {
	if err := e.repo.MarkFailed(recordID, cause.Error()); err != nil {
		logrus.WithError(err).WithField("record_id", recordID).Error("Failed to mark record failed")
	}

	permanent := false
	entry, err := e.queue.IncrementAttempts(recordID, cause)
	if err == nil {
		permanent = entry.Exhausted()
	}
	collector.addFailed(recordID, cause, permanent)
}

// downloadPass pulls remote changes past the owner's cursor and applies them
// through the server-origin write path. Records holding a pending local
// mutation go through the same fork classification as uploads.
func (e *Engine) downloadPass(ctx context.Context, ownerID models.UUID, collector *resultCollector) error {
	cursor, err := e.repo.PullCursor(ownerID)
	if err != nil {
		return err
	}

	remotes, newCursor, err := e.transport.Pull(ctx, ownerID, cursor)
	if err != nil {
		return err
	}

	for _, remote := range remotes {
		if ctx.Err() != nil {
			collector.markPartial()
			return nil
		}
		if err := e.pace.Wait(ctx); err != nil {
			collector.markPartial()
			return nil
		}
		e.applyOne(remote, collector)
	}

	if newCursor > cursor {
		if err := e.repo.SetPullCursor(ownerID, newCursor); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyOne(remote *RemoteRecord, collector *resultCollector) {
	local, err := e.repo.GetRecord(remote.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		collector.addFailed(remote.ID, err, false)
		return
	}

	if local != nil {
		switch e.detector.Classify(local, remote.Version, remote.UpdatedAt) {
		case conflict.UpToDate, conflict.NeedsUpload:
			return
		case conflict.Conflict:
			e.recordConflict(local, remote.Version, remote.UpdatedAt, collector)
			return
		case conflict.NeedsDownload:
			// fall through to the write below
		}
	}

	rec := &models.Record{
		ID:       remote.ID,
		OwnerID:  remote.OwnerID,
		Kind:     remote.Kind,
		Payload:  remote.Payload,
		Archived: remote.Archived,
	}
	if remote.Deleted {
		rec.DeletedAt = remote.UpdatedAt
	}
	applied, err := e.repo.ApplyRemote(rec, remote.Version, remote.UpdatedAt)
	if err != nil {
		collector.addFailed(remote.ID, err, false)
		return
	}
	if applied {
		collector.addDownloaded()
	}
}

// resultCollector guards concurrent appends from the worker pool.
type resultCollector struct {
	mu     gosync.Mutex
	result *models.SyncResult
}

func (c *resultCollector) addSynced(id models.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.SyncedIDs = append(c.result.SyncedIDs, id)
}

func (c *resultCollector) addFailed(id models.UUID, err error, permanent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Failed = append(c.result.Failed, models.FailedRecord{
		RecordID: id, Error: err.Error(), Permanent: permanent,
	})
}

func (c *resultCollector) addConflict(info models.ConflictInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Conflicts = append(c.result.Conflicts, info)
}

func (c *resultCollector) addDownloaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Downloaded++
}

func (c *resultCollector) markPartial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Partial = true
}
