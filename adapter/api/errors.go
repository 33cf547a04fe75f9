package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// APIError is the body of every error response.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// toAPIError maps the error taxonomy onto HTTP. Internal details are only
// exposed for client errors.
func toAPIError(err error) *APIError {
	switch {
	case errors.Is(err, sharedDomain.ErrValidation):
		return &APIError{Status: http.StatusBadRequest, Code: "validation_error", Message: err.Error()}
	case errors.Is(err, domain.ErrSlotUnavailable):
		return &APIError{Status: http.StatusConflict, Code: "slot_unavailable", Message: "the requested slot is no longer available"}
	case errors.Is(err, sharedDomain.ErrConflict):
		return &APIError{Status: http.StatusConflict, Code: "conflict", Message: err.Error()}
	case errors.Is(err, sharedDomain.ErrNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	case sharedDomain.IsRetryable(err):
		return &APIError{Status: http.StatusServiceUnavailable, Code: "temporarily_unavailable", Message: "please retry shortly"}
	default:
		return &APIError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := toAPIError(err)
	apiErr.RequestID = observability.RequestIDFromContext(r.Context())

	switch {
	case apiErr.Status >= http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "request failed", "error", err, "status", apiErr.Status)
	default:
		logger.InfoContext(r.Context(), "request rejected", "error", err, "status", apiErr.Status)
	}
	if apiErr.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, apiErr.Status, apiErr)
}

func badRequest(w http.ResponseWriter, r *http.Request, logger *slog.Logger, message string) {
	writeError(w, r, logger, sharedDomain.Validationf("%s", message))
}
