// Package middleware provides HTTP middleware for the AgentHost management API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentHost/internal/logger"
)

const (
	headerRequestID      = "X-Request-ID"
	headerConversationID = "X-Conversation-ID"
	maxCorrelationID     = 128
)

// RequestID tags the request context with a request id and, when the
// caller names one, a conversation id; both then appear on every log line
// the request produces. An inbound X-Request-ID is kept only if it is a
// plain token, otherwise a uuid replaces it. The id is echoed back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}
		ctx := logger.WithRequestID(r.Context(), id)
		if conv := r.Header.Get(headerConversationID); validCorrelationID(conv) {
			ctx = logger.WithConversationID(ctx, conv)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validCorrelationID accepts ids of at most 128 letters, digits and . _ : -
func validCorrelationID(s string) bool {
	if s == "" || len(s) > maxCorrelationID {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == ':', c == '-':
		default:
			return false
		}
	}
	return true
}
