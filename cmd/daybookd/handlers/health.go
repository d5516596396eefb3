package handlers

import (
	"net/http"

	"github.com/kimhsiao/daybook/internal/db"
	syncengine "github.com/kimhsiao/daybook/internal/sync"
)

// HealthHandler reports process liveness and link state.
type HealthHandler struct {
	db      *db.DB
	monitor syncengine.NetworkMonitor
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(database *db.DB, monitor syncengine.NetworkMonitor) *HealthHandler {
	return &HealthHandler{db: database, monitor: monitor}
}

// Check handles GET /healthz. The service is healthy when its store answers;
// being offline is a reportable state, not a failure.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	status := h.monitor.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"network": map[string]interface{}{
			"online":  status.Online,
			"quality": status.Quality,
		},
	})
}
