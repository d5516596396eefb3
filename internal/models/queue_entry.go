// Package models provides data model definitions for Daybook Core.
package models

import "time"

// QueueOperation is the kind of mutation a queue entry propagates.
type QueueOperation string

const (
	OperationCreate QueueOperation = "create"
	OperationUpdate QueueOperation = "update"
	OperationDelete QueueOperation = "delete"
)

// QueueEntry is one durable intention to propagate a record to the remote
// store. At most one live entry exists per record: a new mutation collapses
// into any pending entry instead of appending a duplicate.
type QueueEntry struct {
	RecordID    UUID           `db:"record_id" json:"record_id"`
	OwnerID     UUID           `db:"owner_id" json:"owner_id"`
	Operation   QueueOperation `db:"operation" json:"operation"`
	Attempts    int            `db:"attempts" json:"attempts"`
	MaxAttempts int            `db:"max_attempts" json:"max_attempts"`
	NextRetryAt int64          `db:"next_retry_at" json:"next_retry_at"`
	LastError   string         `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt  int64          `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt   int64          `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (e *QueueEntry) EnqueuedAtTime() time.Time {
	return time.Unix(e.EnqueuedAt, 0)
}

// Exhausted reports whether the entry has used up its retry budget.
func (e *QueueEntry) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}
