package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/onboarding-workflow/internal/errors"
)

// ErrorBody is the payload of an error response
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	var catErr *apperrors.CategorizedError
	switch {
	case apperrors.IsNotFound(err):
		return http.StatusNotFound, ErrCodeNotFound, messageOf(err)
	case apperrors.IsValidation(err):
		return http.StatusBadRequest, ErrCodeInvalidInput, messageOf(err)
	case apperrors.As(err, &catErr) && (catErr.Category == apperrors.CategoryQueue || catErr.Category == apperrors.CategoryDatabase):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, catErr.Message
	default:
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal server error occurred"
	}
}

func messageOf(err error) string {
	var catErr *apperrors.CategorizedError
	if apperrors.As(err, &catErr) {
		return catErr.Message
	}
	return err.Error()
}

// handleServiceError writes the response for err
func handleServiceError(w http.ResponseWriter, err error) {
	status, code, message := mapServiceError(err)
	respondError(w, status, code, message, nil)
}
