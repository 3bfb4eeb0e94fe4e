package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer secret", http.StatusNoContent},
		{"api key header", "X-API-Key", "secret", http.StatusNoContent},
		{"wrong", "Authorization", "Bearer nope", http.StatusForbidden},
		{"basic scheme", "Authorization", "Basic c2VjcmV0", http.StatusForbidden},
	}
	h := APIKey("secret")(ok)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAPIKeyDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	APIKey("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected pass-through, got %d", rec.Code)
	}
}

func TestAPIKeyFuncRotation(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	key := "old"
	h := APIKeyFunc(func() string { return key })(ok)

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("X-API-Key", token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := do("old"); got != http.StatusNoContent {
		t.Fatalf("expected 204 with current key, got %d", got)
	}
	key = "new"
	if got := do("old"); got != http.StatusForbidden {
		t.Errorf("expected 403 with rotated-out key, got %d", got)
	}
	if got := do("new"); got != http.StatusNoContent {
		t.Errorf("expected 204 with rotated key, got %d", got)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"api key", "X-API-Key", "k1", "key:k1"},
		{"bearer", "Authorization", "Bearer k2", "key:k2"},
		{"ip fallback", "", "", "ip:10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = "10.1.2.3:5555"
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
