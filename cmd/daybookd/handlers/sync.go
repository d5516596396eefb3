package handlers

import (
	"net/http"
	"time"

	"github.com/kimhsiao/daybook/internal/db"
	"github.com/kimhsiao/daybook/internal/models"
	syncengine "github.com/kimhsiao/daybook/internal/sync"
	"github.com/kimhsiao/daybook/internal/sync/queue"
)

// retention windows for DELETE /sync housekeeping.
const (
	queueRetention    = 7 * 24 * time.Hour
	conflictRetention = 30 * 24 * time.Hour
)

// SyncHandler exposes sync session control and status.
type SyncHandler struct {
	repo    *db.Repository
	engine  *syncengine.Engine
	queue   *queue.Queue
	monitor syncengine.NetworkMonitor
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(repo *db.Repository, engine *syncengine.Engine, q *queue.Queue, monitor syncengine.NetworkMonitor) *SyncHandler {
	return &SyncHandler{repo: repo, engine: engine, queue: q, monitor: monitor}
}

type triggerSyncRequest struct {
	Direction models.SyncDirection `json:"direction,omitempty"`
	RecordIDs []models.UUID        `json:"recordIds,omitempty"`
	Force     bool                 `json:"force,omitempty"`
}

// Trigger handles POST /sync: it runs a session synchronously and returns
// the result, partial or not.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	req := triggerSyncRequest{}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	result, err := h.engine.Run(r.Context(), owner, syncengine.RunOptions{
		Direction: req.Direction,
		RecordIDs: req.RecordIDs,
		Force:     req.Force,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /sync: queue depth, link state, last run and open
// conflicts for the owner.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	queued, err := h.queue.Len(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	conflicts, err := h.repo.ListUnresolvedConflicts(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	lastRun, err := h.repo.LastSyncRun(owner)
	if err != nil {
		writeError(w, err)
		return
	}

	status := h.monitor.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"network": map[string]interface{}{
			"online":  status.Online,
			"quality": status.Quality,
		},
		"queued":     queued,
		"inProgress": h.engine.InProgress(owner),
		"conflicts":  conflicts,
		"lastRun":    lastRun,
	})
}

// Purge handles DELETE /sync: it drops exhausted queue entries and resolved
// conflict history past their retention windows. Entries with retry budget
// left are never purged.
func (h *SyncHandler) Purge(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	purgedQueue, err := h.queue.PurgeStale(owner, queueRetention)
	if err != nil {
		writeError(w, err)
		return
	}
	cutoff := time.Now().Add(-conflictRetention).Unix()
	purgedConflicts, err := h.repo.PurgeResolvedConflicts(owner, cutoff)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purgedQueueEntries": purgedQueue,
		"purgedConflicts":    purgedConflicts,
	})
}
