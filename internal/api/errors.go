package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

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

	json.NewEncoder(w).Encode(response)
}

// respondServiceError maps a service error onto the response. System errors
// are logged and their message replaced.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	message := catErr.Message
	if apperrors.IsSystemError(catErr) {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   catErr.Code,
		}).Error("Request failed")
		if catErr.Code == apperrors.CodeInternal {
			message = "An internal error occurred"
		}
	}
	respondError(w, catErr.StatusCode, catErr.Code, message, catErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
