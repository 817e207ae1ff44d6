package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"

	"chatbridge/internal/bridge"
	"chatbridge/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	switch {
	case bridge.IsValidation(err), bridge.IsTranslation(err):
		return http.StatusBadRequest
	case bridge.IsConfigLoad(err):
		return http.StatusUnprocessableEntity
	case bridge.IsModelNotLoaded(err):
		return http.StatusServiceUnavailable
	case bridge.IsEngine(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
