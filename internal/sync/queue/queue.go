// Package queue provides the durable offline queue of not-yet-uploaded
// mutations, replayed by the sync engine when connectivity returns.
package queue

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/daybook/internal/clock"
	"github.com/kimhsiao/daybook/internal/db"
	"github.com/kimhsiao/daybook/internal/models"
)

// DefaultMaxAttempts is the retry ceiling before an entry converts to a
// permanent failure.
const DefaultMaxAttempts = 5

// Queue manages pending sync mutations with retry accounting. Entries live in
// SQLite so they survive restarts; at most one entry exists per record.
type Queue struct {
	repo        *db.Repository
	clock       clock.Clock
	maxAttempts int
}

// NewQueue creates a Queue over the repository.
func NewQueue(repo *db.Repository, clk clock.Clock, maxAttempts int) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{repo: repo, clock: clk, maxAttempts: maxAttempts}
}

// Enqueue records the intention to propagate a mutation. A new mutation for a
// record collapses into its live entry instead of appending a duplicate.
func (q *Queue) Enqueue(recordID, ownerID models.UUID, op models.QueueOperation) (*models.QueueEntry, error) {
	entry, err := q.repo.UpsertQueueEntry(&models.QueueEntry{
		RecordID:    recordID,
		OwnerID:     ownerID,
		Operation:   op,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return nil, err
	}

	logrus.WithField("record_id", recordID).
		WithField("operation", entry.Operation).
		Debug("Enqueued sync mutation")
	return entry, nil
}

// Drain returns the owner's entries ready for a sync pass. Entries are not
// removed; removal happens only on confirmed success via Remove.
func (q *Queue) Drain(ownerID models.UUID) ([]*models.QueueEntry, error) {
	return q.repo.ListQueueReady(ownerID)
}

// Remove deletes the live entry for a record after confirmed success or a
// terminal failure.
func (q *Queue) Remove(recordID models.UUID) error {
	return q.repo.DeleteQueueEntry(recordID)
}

// IncrementAttempts records a transport failure and schedules the retry with
// exponential backoff. Returns the updated entry; when the ceiling is hit the
// entry is exhausted and will be surfaced as a permanent failure.
func (q *Queue) IncrementAttempts(recordID models.UUID, cause error) (*models.QueueEntry, error) {
	entry, err := q.repo.GetQueueEntry(recordID)
	if err != nil {
		return nil, err
	}

	nextRetry := q.clock.Now().Add(Backoff(entry.Attempts + 1)).Unix()
	updated, err := q.repo.BumpQueueAttempts(recordID, cause.Error(), nextRetry)
	if err != nil {
		return nil, err
	}

	if updated.Exhausted() {
		logrus.WithField("record_id", recordID).
			WithField("attempts", updated.Attempts).
			WithError(cause).
			Warn("Queue entry exhausted retry budget")
	} else {
		logrus.WithField("record_id", recordID).
			WithField("attempts", updated.Attempts).
			WithField("next_retry_at", updated.NextRetryAt).
			WithError(cause).
			Debug("Scheduled sync retry")
	}
	return updated, nil
}

// Len returns the number of outstanding entries for an owner.
func (q *Queue) Len(ownerID models.UUID) (int, error) {
	return q.repo.CountQueue(ownerID)
}

// PurgeStale deletes exhausted entries last touched before the retention
// window. Live entries are never touched.
func (q *Queue) PurgeStale(ownerID models.UUID, retention time.Duration) (int64, error) {
	cutoff := q.clock.Now().Add(-retention).Unix()
	return q.repo.PurgeQueueStale(ownerID, cutoff)
}

// Backoff returns the delay before retry attempt n (1-based): 2^n minutes,
// capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return time.Hour
	}
	backoff := time.Duration(1<<uint(attempt)) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}
