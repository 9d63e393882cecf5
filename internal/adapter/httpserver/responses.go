// Package httpserver exposes the gateway over HTTP: a JSON-RPC protocol
// endpoint with session management, a small REST facade for browsers, and
// the health surface. Handlers stay thin; all decisions live in usecase.
package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/censusgate/censusgate/internal/domain"
)

// failureEnvelope is the uniform REST failure shape.
type failureEnvelope struct {
	Success       bool                 `json:"success"`
	Error         domain.PipelineError `json:"error"`
	CorrelationID string               `json:"correlationId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps the machine error codes to HTTP statuses. Rejected or
// unconfident requests are the caller's to fix (4xx); saturation and broken
// dependencies are ours (5xx).
func statusForKind(kind string) int {
	switch kind {
	case "INVALID_ARGUMENT", "SESSION_INVALID":
		return http.StatusBadRequest
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "TRANSLATION_LOW_CONFIDENCE", "SQL_REJECTED":
		return http.StatusUnprocessableEntity
	case "QUERY_TIMEOUT":
		return http.StatusGatewayTimeout
	case "POOL_TIMEOUT", "SERVICE_UNAVAILABLE", "TRANSLATION_UNAVAILABLE":
		return http.StatusServiceUnavailable
	case "CANCELLED":
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure renders a failed pipeline result with the mapped status.
func writeFailure(w http.ResponseWriter, corrID string, pe domain.PipelineError) {
	writeJSON(w, statusForKind(pe.Kind), failureEnvelope{
		Success:       false,
		Error:         pe,
		CorrelationID: corrID,
	})
}

// writeErr classifies an error and renders it as a failure envelope.
func writeErr(w http.ResponseWriter, corrID string, err error) {
	kind := domain.ErrorKind(err)
	writeFailure(w, corrID, domain.PipelineError{
		Kind:    kind,
		Message: err.Error(),
	})
}
