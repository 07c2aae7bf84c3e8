package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/models"
)

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// If we can't encode the response, log the error
		// but don't try to write another response as headers are already sent
		zap.L().Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	if err != nil {
		errorResponse["details"] = err.Error()
	}

	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		zap.L().Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// writeGridError maps a service error onto a coded JSON error response.
func writeGridError(w http.ResponseWriter, err error, fallbackMessage string) {
	code, status := classifyError(err)

	var gridErr *models.GridError
	if errors.As(err, &gridErr) {
		code = gridErr.Code
		status = getHTTPStatusFromCode(code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errorResponse := map[string]interface{}{
		"error":  fallbackMessage,
		"code":   code,
		"status": status,
	}
	if err != nil {
		errorResponse["details"] = err.Error()
	}
	if gridErr != nil && len(gridErr.Details) > 0 {
		errorResponse["fields"] = gridErr.Details
	}

	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		zap.L().Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// classifyError maps sentinel errors to an API code and HTTP status.
func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, models.ErrNodeBanned):
		return models.ErrCodeNodeBanned, http.StatusForbidden
	case errors.Is(err, models.ErrTrustTooLow):
		return models.ErrCodeTrustTooLow, http.StatusForbidden
	case errors.Is(err, models.ErrNoTaskAvailable):
		return models.ErrCodeNoTaskAvailable, http.StatusNotFound
	case errors.Is(err, models.ErrTaskNotFound),
		errors.Is(err, models.ErrCanaryNotFound),
		errors.Is(err, models.ErrNodeNotFound):
		return models.ErrCodeTaskNotFound, http.StatusNotFound
	case errors.Is(err, models.ErrAssignmentNotFound):
		return models.ErrCodeAssignmentNotFound, http.StatusNotFound
	case errors.Is(err, models.ErrExecutionTooFast),
		errors.Is(err, models.ErrExecutionTooSlow):
		return models.ErrCodeImplausibleTiming, http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidSignature),
		errors.Is(err, models.ErrMissingSignature):
		return models.ErrCodeInvalidSignature, http.StatusUnauthorized
	case errors.Is(err, models.ErrAlreadySubmitted),
		errors.Is(err, models.ErrTaskFinalized):
		return models.ErrCodeAlreadySubmitted, http.StatusConflict
	case errors.Is(err, models.ErrAssignmentTimedOut):
		return models.ErrCodeAssignmentTimedOut, http.StatusConflict
	case errors.Is(err, models.ErrInvalidTaskType),
		errors.Is(err, models.ErrInvalidTaskData),
		errors.Is(err, models.ErrInvalidResult):
		return models.ErrCodeValidationFailed, http.StatusBadRequest
	default:
		return models.ErrCodeInternal, http.StatusInternalServerError
	}
}

// getHTTPStatusFromCode maps API error codes to HTTP status codes.
func getHTTPStatusFromCode(code string) int {
	switch code {
	case models.ErrCodeNodeBanned, models.ErrCodeTrustTooLow:
		return http.StatusForbidden
	case models.ErrCodeNoTaskAvailable, models.ErrCodeTaskNotFound, models.ErrCodeAssignmentNotFound:
		return http.StatusNotFound
	case models.ErrCodeImplausibleTiming:
		return http.StatusUnprocessableEntity
	case models.ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case models.ErrCodeAlreadySubmitted, models.ErrCodeAssignmentTimedOut:
		return http.StatusConflict
	case models.ErrCodeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
