// Package handlers provides the REST API surface of the sync service.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
)

// ownerHeader carries the authenticated owner identity, injected by the
// fronting proxy.
const ownerHeader = "X-Owner-ID"

func ownerID(r *http.Request) (models.UUID, error) {
	raw := r.Header.Get(ownerHeader)
	if raw == "" {
		return "", apperrors.New(apperrors.ErrValidation, "missing X-Owner-ID header")
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", apperrors.Newf(apperrors.ErrValidation, "invalid owner id %q", raw)
	}
	return models.UUID(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logrus.WithError(err).Error("Failed to encode response")
		}
	}
}

// writeError maps application error codes onto HTTP status codes. Rate
// limited responses carry a Retry-After header in whole seconds.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrSyncConflict:
		status = http.StatusConflict
	case apperrors.ErrRateLimited:
		status = http.StatusTooManyRequests
	case apperrors.ErrOffline, apperrors.ErrPoorConnection:
		status = http.StatusServiceUnavailable
	}

	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) && appErr.RetryAfter > 0 {
		secs := int(appErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}
