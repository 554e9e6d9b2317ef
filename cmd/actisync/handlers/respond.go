// Package handlers provides the REST API served by `actisync serve`.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDrainInProgress:
		return http.StatusConflict
	case apperrors.ErrRemoteWriteFailed:
		return http.StatusBadGateway
	case apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, errorResponse{Error: string(code), Message: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(apperrors.ErrInvalid), Message: msg})
}
