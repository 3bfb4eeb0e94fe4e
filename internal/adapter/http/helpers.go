package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error    string   `json:"error"`
	Kind     string   `json:"kind,omitempty"`
	Expected []string `json:"expected,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorKind maps a runtime error to its HTTP status and a stable kind name.
// More specific kinds are matched first: a too-large message is also a
// routing failure.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound, "agent_not_found"
	case errors.Is(err, domain.ErrUnknownConversation):
		return http.StatusNotFound, "unknown_conversation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrProtocolViolation):
		return http.StatusConflict, "protocol_violation"
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, domain.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge, "message_too_large"
	case errors.Is(err, domain.ErrRoutingFailure):
		return http.StatusConflict, "routing_failure"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrResourceExceeded):
		return http.StatusUnprocessableEntity, "resource_exceeded"
	case errors.Is(err, domain.ErrSandboxTrap):
		return http.StatusUnprocessableEntity, "sandbox_trap"
	default:
		return http.StatusInternalServerError, ""
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, kind := errorKind(err)
	if status == http.StatusInternalServerError {
		writeInternalError(w, err)
		return
	}
	resp := errorResponse{
		Error: strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "),
		Kind:  kind,
	}
	var pv *domain.ProtocolViolationError
	if errors.As(err, &pv) {
		resp.Expected = pv.Expected
	}
	writeJSON(w, status, resp)
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
