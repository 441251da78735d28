package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondServiceError maps a categorized error to its HTTP status and body.
// System errors are logged and their details withheld from the client.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	status := catErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Error("Request failed")
		respondError(w, status, catErr.Code, "An internal error occurred", nil)
		return
	}

	respondError(w, status, catErr.Code, catErr.Message, catErr.Details)
}
