// Package models provides data model definitions for Daybook Core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncState represents where a record sits in the sync lifecycle.
type SyncState string

const (
	SyncStateLocal    SyncState = "local"
	SyncStatePending  SyncState = "pending"
	SyncStateSyncing  SyncState = "syncing"
	SyncStateSynced   SyncState = "synced"
	SyncStateConflict SyncState = "conflict"
	SyncStateFailed   SyncState = "failed"
)

// RecordKind is the closed set of content shapes. The sync engine never
// interprets the payload; the kind only travels with it.
type RecordKind string

const (
	KindNote    RecordKind = "note"
	KindEntry   RecordKind = "entry"
	KindCheckin RecordKind = "checkin"
)

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindNote, KindEntry, KindCheckin:
		return true
	}
	return false
}

// Record represents one unit of user content tracked for synchronization.
//
// RemoteVersion is the last version the remote store accepted (0 if never
// synced). For a non-conflicted record RemoteVersion <= LocalVersion always
// holds; equality means synced.
type Record struct {
	ID            UUID            `db:"id" json:"id"`
	OwnerID       UUID            `db:"owner_id" json:"owner_id"`
	Kind          RecordKind      `db:"kind" json:"kind"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	LocalVersion  int             `db:"local_version" json:"local_version"`
	RemoteVersion int             `db:"remote_version" json:"remote_version"`
	SyncState     SyncState       `db:"sync_state" json:"sync_state"`
	SyncError     string          `db:"sync_error" json:"sync_error,omitempty"`
	Archived      bool            `db:"archived" json:"archived"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
	DeletedAt     int64           `db:"deleted_at" json:"deleted_at,omitempty"` // 0 = live (soft delete)
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Deleted reports whether the record is soft-deleted.
func (r *Record) Deleted() bool {
	return r.DeletedAt > 0
}

// Dirty reports whether the record holds local changes the remote has not
// accepted yet.
func (r *Record) Dirty() bool {
	return r.LocalVersion > r.RemoteVersion
}
