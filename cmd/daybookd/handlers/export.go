package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kimhsiao/daybook/internal/export"
)

// ExportHandler streams archive downloads.
type ExportHandler struct {
	service *export.Service
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(service *export.Service) *ExportHandler {
	return &ExportHandler{service: service}
}

// Create handles POST /export. The archive is buffered so the checksum can
// travel in a response header alongside the body.
func (h *ExportHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	result, err := h.service.Export(r.Context(), owner, &buf)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("daybook_%s.tar.gz", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("Content-Length", strconv.FormatInt(result.SizeBytes, 10))
	w.Header().Set("X-Archive-Checksum", result.Checksum)
	w.Header().Set("X-Archive-Records", strconv.Itoa(result.RecordCount))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		return
	}
}
