package sync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/daybook/internal/db"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
	"github.com/kimhsiao/daybook/internal/netmon"
	"github.com/kimhsiao/daybook/internal/ratelimit"
	"github.com/kimhsiao/daybook/internal/sync/queue"
)

// BulkAction names a batch mutation.
type BulkAction string

const (
	BulkDelete  BulkAction = "delete"
	BulkArchive BulkAction = "archive"
	BulkResync  BulkAction = "resync"
)

// MaxBulkSize bounds a single batch.
const MaxBulkSize = 100

// BulkError reports one failed item inside a batch.
type BulkError struct {
	RecordID models.UUID `json:"recordId"`
	Error    string      `json:"error"`
}

// BulkResult is the per-item accounting of a batch. A batch never aborts on
// an item failure; callers read the counts to see what actually happened.
type BulkResult struct {
	SuccessCount int         `json:"successCount"`
	FailedCount  int         `json:"failedCount"`
	Errors       []BulkError `json:"errors,omitempty"`
}

// BulkRunner applies one action across many records.
type BulkRunner struct {
	repo    *db.Repository
	queue   *queue.Queue
	monitor NetworkMonitor
	limiter *ratelimit.Limiter
}

// NewBulkRunner creates a BulkRunner.
func NewBulkRunner(repo *db.Repository, q *queue.Queue, monitor NetworkMonitor, limiter *ratelimit.Limiter) *BulkRunner {
	return &BulkRunner{repo: repo, queue: q, monitor: monitor, limiter: limiter}
}

// Apply runs one action over the given records. Each item succeeds or fails
// on its own; a missing record fails that item only. Resync re-admits a
// conflicted record into the sync flow, which is the only way out of the
// conflict state.
func (b *BulkRunner) Apply(ctx context.Context, ownerID models.UUID, action BulkAction, ids []models.UUID) (*BulkResult, error) {
	switch action {
	case BulkDelete, BulkArchive, BulkResync:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown bulk action %q", action)
	}
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "bulk request needs at least one record id")
	}
	if len(ids) > MaxBulkSize {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "bulk request exceeds %d records", MaxBulkSize)
	}

	if err := b.limiter.Allow(ratelimit.ClassBulk, ownerID.String()); err != nil {
		return nil, err
	}
	status := b.monitor.Status()
	if !status.Online {
		return nil, apperrors.New(apperrors.ErrOffline, "network is offline")
	}
	if status.Quality == netmon.QualityPoor {
		return nil, apperrors.New(apperrors.ErrPoorConnection, "connection quality too poor for a bulk operation")
	}

	result := &BulkResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			b.fail(result, id, err)
			continue
		}
		if err := b.applyOne(ownerID, action, id); err != nil {
			b.fail(result, id, err)
			continue
		}
		result.SuccessCount++
	}

	logrus.WithField("owner_id", ownerID).
		WithField("action", action).
		WithField("success", result.SuccessCount).
		WithField("failed", result.FailedCount).
		Info("Bulk operation finished")
	return result, nil
}

func (b *BulkRunner) applyOne(ownerID models.UUID, action BulkAction, id models.UUID) error {
	rec, err := b.repo.GetRecord(id)
	if err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}

	switch action {
	case BulkDelete:
		if err := b.repo.SoftDeleteRecord(id); err != nil {
			return err
		}
		_, err := b.queue.Enqueue(id, ownerID, models.OperationDelete)
		return err

	case BulkArchive:
		if err := b.repo.SetArchived(id, true); err != nil {
			return err
		}
		_, err := b.queue.Enqueue(id, ownerID, models.OperationUpdate)
		return err

	case BulkResync:
		if err := b.repo.ResetForResync(id); err != nil {
			return err
		}
		op := models.OperationUpdate
		if rec.Deleted() {
			op = models.OperationDelete
		}
		_, err := b.queue.Enqueue(id, ownerID, op)
		return err
	}
	return nil
}

func (b *BulkRunner) fail(result *BulkResult, id models.UUID, err error) {
	result.FailedCount++
	result.Errors = append(result.Errors, BulkError{RecordID: id, Error: err.Error()})
}
