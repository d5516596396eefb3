package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/daybook/internal/db"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
	"github.com/kimhsiao/daybook/internal/sync/queue"
)

// Notifier wakes the background scheduler after a local mutation.
type Notifier interface {
	Notify(ownerID models.UUID)
}

// RecordHandler handles record CRUD. Every mutation lands locally first and
// enqueues a sync intention; nothing here talks to the network.
type RecordHandler struct {
	repo     *db.Repository
	queue    *queue.Queue
	notifier Notifier
}

// NewRecordHandler creates a RecordHandler.
func NewRecordHandler(repo *db.Repository, q *queue.Queue, notifier Notifier) *RecordHandler {
	return &RecordHandler{repo: repo, queue: q, notifier: notifier}
}

type createRecordRequest struct {
	Kind    models.RecordKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
}

type updateRecordRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// Create handles POST /records.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createRecordRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Kind.Valid() {
		writeError(w, apperrors.Newf(apperrors.ErrValidation, "unknown record kind %q", req.Kind))
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, apperrors.New(apperrors.ErrValidation, "payload is required"))
		return
	}

	rec := &models.Record{
		OwnerID: owner,
		Kind:    req.Kind,
		Payload: req.Payload,
	}
	if err := h.repo.CreateRecord(rec); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.queue.Enqueue(rec.ID, owner, models.OperationCreate); err != nil {
		writeError(w, err)
		return
	}
	h.notifier.Notify(owner)

	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT /records/{id}.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := models.UUID(mux.Vars(r)["id"])

	var req updateRecordRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, apperrors.New(apperrors.ErrValidation, "payload is required"))
		return
	}

	if err := h.requireOwned(id, owner); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.repo.UpdateRecord(id, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.queue.Enqueue(id, owner, models.OperationUpdate); err != nil {
		writeError(w, err)
		return
	}
	h.notifier.Notify(owner)

	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /records/{id}. Deletion is a soft tombstone so the
// intention can still be uploaded.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := models.UUID(mux.Vars(r)["id"])

	if err := h.requireOwned(id, owner); err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.SoftDeleteRecord(id); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.queue.Enqueue(id, owner, models.OperationDelete); err != nil {
		writeError(w, err)
		return
	}
	h.notifier.Notify(owner)

	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /records/{id}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := models.UUID(mux.Vars(r)["id"])

	rec, err := h.repo.GetRecord(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.OwnerID != owner || rec.Deleted() {
		writeError(w, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// List handles GET /records.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := intQuery(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := intQuery(r, "offset", 0)

	recs, err := h.repo.ListRecords(owner, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *RecordHandler) requireOwned(id models.UUID, owner models.UUID) error {
	rec, err := h.repo.GetRecord(id)
	if err != nil {
		return err
	}
	if rec.OwnerID != owner {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return nil
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
