// Package models provides data model definitions for Daybook Core.
package models

import "time"

// ConflictLog records a detected fork: local and remote both advanced past a
// common base version. Conflicts are surfaced, never auto-merged; a row stays
// unresolved until the user acts on the record.
type ConflictLog struct {
	ID              int64  `db:"id" json:"id"`
	RecordID        UUID   `db:"record_id" json:"record_id"`
	OwnerID         UUID   `db:"owner_id" json:"owner_id"`
	LocalVersion    int    `db:"local_version" json:"local_version"`
	RemoteVersion   int    `db:"remote_version" json:"remote_version"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolved        bool   `db:"resolved" json:"resolved"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
	ResolvedAt      int64  `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
