package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/backup"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status    string    `json:"status"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Output is the captured tool output of a failed dump or restore.
	Output string `json:"output,omitempty"`
}

func respondJSON(w http.ResponseWriter, log zerolog.Logger, status int, resp *Response) {
	resp.Timestamp = time.Now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func respondData(w http.ResponseWriter, log zerolog.Logger, status int, data any) {
	respondJSON(w, log, status, &Response{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, apiErr := toAPIError(err)
	if status >= 500 {
		log.Error().Err(err).Str("code", apiErr.Code).Msg("request failed")
	}
	respondJSON(w, log, status, &Response{Status: "error", Error: apiErr})
}

// toAPIError maps service errors onto HTTP status codes.
func toAPIError(err error) (int, *APIError) {
	apiErr := &APIError{Message: err.Error(), Output: backup.ToolOutput(err)}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backup.ErrBackupInProgress):
		status, apiErr.Code = http.StatusConflict, "BACKUP_IN_PROGRESS"
	case errors.Is(err, backup.ErrManifestNotFound):
		status, apiErr.Code = http.StatusNotFound, "MANIFEST_NOT_FOUND"
	case errors.Is(err, backup.ErrManifestInvalid):
		status, apiErr.Code = http.StatusUnprocessableEntity, "MANIFEST_INVALID"
	case errors.Is(err, backup.ErrConfirmationRequired):
		status, apiErr.Code = http.StatusBadRequest, "CONFIRMATION_REQUIRED"
	case errors.Is(err, backup.ErrRestoreTimedOut):
		apiErr.Code = "RESTORE_TIMED_OUT"
	case errors.Is(err, backup.ErrRestoreFailed):
		apiErr.Code = "RESTORE_FAILED"
	case errors.Is(err, backup.ErrBackupFailed):
		apiErr.Code = "BACKUP_FAILED"
	case errors.Is(err, errJobNotFound):
		status, apiErr.Code = http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, errUnauthorized):
		status, apiErr.Code = http.StatusUnauthorized, "UNAUTHORIZED"
	default:
		apiErr.Code = "INTERNAL_ERROR"
	}
	return status, apiErr
}
