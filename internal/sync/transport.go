// Package sync drives upload/download sessions that reconcile local records
// with the remote multi-device store.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/daybook/internal/models"
)

// RemoteRecord is the engine's wire view of a record. The payload stays
// opaque; only the version metadata is interpreted.
type RemoteRecord struct {
	ID        models.UUID       `json:"id"`
	OwnerID   models.UUID       `json:"owner_id"`
	Kind      models.RecordKind `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Version   int               `json:"version"`
	UpdatedAt int64             `json:"updated_at"`
	Deleted   bool              `json:"deleted"`
	Archived  bool              `json:"archived"`

	// Seq is the server change sequence, set on pulled records and used to
	// advance the per-owner cursor.
	Seq int64 `json:"seq,omitempty"`
}

// Transport is the remote store API the engine talks to. Implementations are
// injected so the engine is testable without a real network.
type Transport interface {
	// Push uploads one record version and returns the version the remote
	// accepted. A fork on the remote side surfaces as *VersionConflictError.
	Push(ctx context.Context, rec *RemoteRecord) (acceptedVersion int, err error)

	// Head returns the remote's current version and update time for a
	// record; version 0 means the remote has never seen it.
	Head(ctx context.Context, recordID models.UUID) (version int, updatedAt int64, err error)

	// Pull returns the owner's records changed after the cursor, plus the
	// cursor to persist for the next pull.
	Pull(ctx context.Context, ownerID models.UUID, cursor int64) ([]*RemoteRecord, int64, error)
}

// VersionConflictError reports that the remote rejected a push because its
// copy advanced past the pusher's base version.
type VersionConflictError struct {
	RemoteVersion   int
	RemoteUpdatedAt int64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("remote version %d diverged from pushed base", e.RemoteVersion)
}

// RemoteFromRecord builds the wire form of a local record for upload.
func RemoteFromRecord(rec *models.Record) *RemoteRecord {
	return &RemoteRecord{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Kind:      rec.Kind,
		Payload:   rec.Payload,
		Version:   rec.LocalVersion,
		UpdatedAt: rec.UpdatedAt,
		Deleted:   rec.Deleted(),
		Archived:  rec.Archived,
	}
}
