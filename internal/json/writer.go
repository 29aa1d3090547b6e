package json

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dgellow/kvoauth/internal/log"
)

// ErrorResponse is the body of every error the auth routes return. OAuth
// failures reuse the provider's error code as Error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RetryAfterSeconds is advertised when session storage is unreachable
const RetryAfterSeconds = 5

// WriteResponse writes data as JSON. Responses on these routes describe
// session state, so none of them may be cached.
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes an ErrorResponse with the given status
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	if err := WriteResponse(w, statusCode, ErrorResponse{Error: code, Message: message}); err != nil {
		http.Error(w, code+": "+message, statusCode)
	}
}

// WriteOAuthError reports an error the provider or the callback validation
// raised. It is always the client's request that failed, hence 400.
func WriteOAuthError(w http.ResponseWriter, code, description string) {
	WriteError(w, http.StatusBadRequest, code, description)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteMethodNotAllowed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", message)
}

// WriteServiceUnavailable tells the client to retry once storage is back
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}
