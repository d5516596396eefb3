package handlers

import (
	"net/http"

	"github.com/kimhsiao/daybook/internal/models"
	syncengine "github.com/kimhsiao/daybook/internal/sync"
)

// BulkHandler exposes batch record operations.
type BulkHandler struct {
	runner *syncengine.BulkRunner
}

// NewBulkHandler creates a BulkHandler.
func NewBulkHandler(runner *syncengine.BulkRunner) *BulkHandler {
	return &BulkHandler{runner: runner}
}

type bulkRequest struct {
	Action    syncengine.BulkAction `json:"action"`
	RecordIDs []models.UUID         `json:"recordIds"`
}

// Apply handles POST /bulk. The response is always per-item accounting; a
// 200 does not mean every item succeeded.
func (h *BulkHandler) Apply(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.runner.Apply(r.Context(), owner, req.Action, req.RecordIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
