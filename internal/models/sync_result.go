// Package models provides data model definitions for Daybook Core.
package models

import "time"

// SyncDirection selects which half of a session runs.
type SyncDirection string

const (
	DirectionUpload   SyncDirection = "upload"
	DirectionDownload SyncDirection = "download"
	DirectionBoth     SyncDirection = "both"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionUpload, DirectionDownload, DirectionBoth:
		return true
	}
	return false
}

// ConflictInfo surfaces both sides of a fork to the caller. The engine never
// discards either side's data.
type ConflictInfo struct {
	RecordID        UUID  `json:"record_id"`
	LocalVersion    int   `json:"local_version"`
	RemoteVersion   int   `json:"remote_version"`
	LocalTimestamp  int64 `json:"local_timestamp"`
	RemoteTimestamp int64 `json:"remote_timestamp"`
}

// FailedRecord pairs a record with the error that stopped it.
type FailedRecord struct {
	RecordID  UUID   `json:"record_id"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

// SyncResult is the aggregate outcome of one session run.
type SyncResult struct {
	SyncedIDs  []UUID         `json:"synced_ids"`
	Failed     []FailedRecord `json:"failed_ids"`
	Conflicts  []ConflictInfo `json:"conflicts"`
	Downloaded int            `json:"downloaded"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Partial    bool           `json:"partial"` // deadline or link degradation stopped admission
}

// Duration returns the elapsed session time.
func (r *SyncResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SyncRun persists the summary of a completed session for status reporting.
type SyncRun struct {
	ID            int64  `db:"id" json:"id"`
	OwnerID       UUID   `db:"owner_id" json:"owner_id"`
	Direction     string `db:"direction" json:"direction"`
	SyncedCount   int    `db:"synced_count" json:"synced_count"`
	FailedCount   int    `db:"failed_count" json:"failed_count"`
	ConflictCount int    `db:"conflict_count" json:"conflict_count"`
	Downloaded    int    `db:"downloaded" json:"downloaded"`
	Partial       bool   `db:"partial" json:"partial"`
	StartedAt     int64  `db:"started_at" json:"started_at"`
	FinishedAt    int64  `db:"finished_at" json:"finished_at"`
}

// TableName returns the table name for SyncRun.
func (SyncRun) TableName() string {
	return "sync_runs"
}

// RunFromResult builds the persisted summary row for a result.
func RunFromResult(ownerID UUID, direction SyncDirection, res *SyncResult) *SyncRun {
	return &SyncRun{
		OwnerID:       ownerID,
		Direction:     string(direction),
		SyncedCount:   len(res.SyncedIDs),
		FailedCount:   len(res.Failed),
		ConflictCount: len(res.Conflicts),
		Downloaded:    res.Downloaded,
		Partial:       res.Partial,
		StartedAt:     res.StartedAt.Unix(),
		FinishedAt:    res.FinishedAt.Unix(),
	}
}
