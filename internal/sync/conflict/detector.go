// Package conflict classifies divergence between local and remote record
// versions. It detects forks; it never merges or picks a side.
package conflict

import (
	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/daybook/internal/models"
)

// Classification is the outcome of comparing a local record against the
// remote store's view of it.
type Classification string

const (
	// UpToDate means neither side moved; nothing to do.
	UpToDate Classification = "up_to_date"
	// NeedsUpload means only the local side moved since the last sync.
	NeedsUpload Classification = "needs_upload"
	// NeedsDownload means only the remote side moved.
	NeedsDownload Classification = "needs_download"
	// Conflict means both sides advanced past the common base version; a
	// fork that requires explicit resolution.
	Conflict Classification = "conflict"
)

// Detector compares record versions. Stateless; a value exists so callers can
// inject a fake.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Classify compares a local record against the remote version. The base is
// the last remote version recorded locally before this mutation cycle:
//
//   - local unchanged, remote unchanged        -> UpToDate
//   - local unchanged, remote advanced         -> NeedsDownload
//   - local advanced,  remote still at base    -> NeedsUpload
//   - local advanced,  remote advanced         -> Conflict (fork)
//
// Timestamps are carried for reporting only; version numbers decide.
func (d *Detector) Classify(local *models.Record, remoteVersion int, remoteUpdatedAt int64) Classification {
	base := local.RemoteVersion

	if !local.Dirty() {
		if remoteVersion > base {
			return NeedsDownload
		}
		return UpToDate
	}

	if remoteVersion > base {
		logrus.WithField("record_id", local.ID).
			WithField("base_version", base).
			WithField("local_version", local.LocalVersion).
			WithField("remote_version", remoteVersion).
			Warn("Concurrent edit fork detected")
		return Conflict
	}
	return NeedsUpload
}

// Info builds the surfaced view of a fork: both versions and both timestamps.
// Neither side's data is discarded.
func (d *Detector) Info(local *models.Record, remoteVersion int, remoteUpdatedAt int64) models.ConflictInfo {
	return models.ConflictInfo{
		RecordID:        local.ID,
		LocalVersion:    local.LocalVersion,
		RemoteVersion:   remoteVersion,
		LocalTimestamp:  local.UpdatedAt,
		RemoteTimestamp: remoteUpdatedAt,
	}
}
