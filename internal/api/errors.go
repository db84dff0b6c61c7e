package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/files"
	"github.com/nerrad567/printbridge/internal/history"
	"github.com/nerrad567/printbridge/internal/storage"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// JSON-RPC 2.0 error codes. Domain failures use their HTTP status as code.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcInvalidParams  = -32602
)

// requestError is a failure with an explicit HTTP status, raised while
// reading a request.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &requestError{status: http.StatusNotFound, message: fmt.Sprintf(format, args...)}
}

// unavailable reports a component that was not configured.
func unavailable(message string) error {
	return &requestError{status: http.StatusServiceUnavailable, message: message}
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	var re *requestError
	if errors.As(err, &re) {
		return re.status
	}

	switch {
	case errors.Is(err, command.ErrValidation),
		errors.Is(err, files.ErrInvalidName),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrInvalidValue),
		errors.Is(err, history.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrNamespaceNotFound),
		errors.Is(err, history.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, command.ErrSendFailed):
		return http.StatusBadGateway
	}

	var fe *files.FileError
	if errors.As(err, &fe) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeResult writes a Moonraker success envelope.
func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, map[string]any{"result": result})
}

// writeResultError writes a Moonraker error envelope.
func writeResultError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": err.Error()},
	})
}
