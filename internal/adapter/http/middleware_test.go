package http

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// hijackableRecorder wraps httptest.ResponseRecorder to implement http.Hijacker.
type hijackableRecorder struct {
	*httptest.ResponseRecorder
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	// Return dummy values; only delegation is checked.
	return nil, nil, nil
}

func TestResponseWriterHijack(t *testing.T) {
	inner := &hijackableRecorder{httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	// responseWriter must satisfy http.Hijacker.
	hj, ok := http.ResponseWriter(rw).(http.Hijacker)
	if !ok {
		t.Fatal("responseWriter does not implement http.Hijacker")
	}

	_, _, err := hj.Hijack()
	if err != nil {
		t.Fatalf("Hijack returned unexpected error: %v", err)
	}
}

func TestResponseWriterHijackFallback(t *testing.T) {
	// Standard httptest.ResponseRecorder does NOT implement Hijacker.
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	hj, ok := http.ResponseWriter(rw).(http.Hijacker)
	if !ok {
		t.Fatal("responseWriter does not implement http.Hijacker")
	}

	_, _, err := hj.Hijack()
	if err == nil {
		t.Fatal("expected error when upstream does not implement Hijacker")
	}
}

func TestResponseWriterFlush(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	// responseWriter must satisfy http.Flusher.
	f, ok := http.ResponseWriter(rw).(http.Flusher)
	if !ok {
		t.Fatal("responseWriter does not implement http.Flusher")
	}

	// Should not panic.
	f.Flush()

	if !inner.Flushed {
		t.Fatal("expected inner ResponseRecorder to be flushed")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		allowed   string
		origin    string
		preflight bool
		status    int
		allow     string
		reached   bool
	}{
		{"listed origin preflight", "http://ui.local, http://ops.local", "http://ops.local", true, http.StatusNoContent, "http://ops.local", false},
		{"unlisted origin preflight", "http://ui.local", "http://evil.local", true, http.StatusForbidden, "", false},
		{"wildcard echoes origin", "*", "http://any.local", false, http.StatusOK, "http://any.local", true},
		{"unlisted origin request", "http://ui.local", "http://evil.local", false, http.StatusOK, "", true},
		{"no origin", "http://ui.local", "", false, http.StatusOK, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			h := CORS(tt.allowed)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true }))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", http.NoBody)
			if tt.preflight {
				req.Method = http.MethodOptions
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
				t.Errorf("expected allow origin %q, got %q", tt.allow, got)
			}
			if reached != tt.reached {
				t.Errorf("expected handler reached=%v, got %v", tt.reached, reached)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("expected %s header", h)
		}
	}
}

func TestLoggerRecordsResponse(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	defer slog.SetDefault(prev)

	r := chi.NewRouter()
	r.Use(Logger)
	r.Get("/agents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short"))
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/agents/a1", http.NoBody))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the agent request logged at info, got %d lines: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["route"] != "/agents/{id}" {
		t.Errorf("expected route pattern, got %v", entry["route"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected first status 418 to stick, got %v", entry["status"])
	}
	if entry["bytes"] != float64(5) {
		t.Errorf("expected 5 bytes, got %v", entry["bytes"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("expected WARN for a 4xx, got %v", entry["level"])
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: bad", domain.ErrValidation), http.StatusBadRequest, "validation"},
		{fmt.Errorf("%w: a1", domain.ErrAgentNotFound), http.StatusNotFound, "agent_not_found"},
		{domain.ErrUnknownConversation, http.StatusNotFound, "unknown_conversation"},
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{&domain.ProtocolViolationError{Got: "inform"}, http.StatusConflict, "protocol_violation"},
		{domain.ErrQueueFull, http.StatusTooManyRequests, "queue_full"},
		{domain.ErrMessageTooLarge, http.StatusRequestEntityTooLarge, "message_too_large"},
		{fmt.Errorf("%w: stopped", domain.ErrRoutingFailure), http.StatusConflict, "routing_failure"},
		{domain.ErrResourceExceeded, http.StatusUnprocessableEntity, "resource_exceeded"},
		{domain.ErrSandboxTrap, http.StatusUnprocessableEntity, "sandbox_trap"},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, kind := errorKind(tt.err)
			if status != tt.status || kind != tt.kind {
				t.Errorf("expected %d/%q, got %d/%q", tt.status, tt.kind, status, kind)
			}
		})
	}
}
