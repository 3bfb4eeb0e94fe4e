package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKey requires key as a bearer token or in X-API-Key. An empty key
// disables the check. Missing credentials get 401, wrong ones 403.
func APIKey(key string) func(http.Handler) http.Handler {
	return APIKeyFunc(func() string { return key })
}

// APIKeyFunc is APIKey with the expected key read on every request, so a
// rotated key applies without remounting.
func APIKeyFunc(key func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := key()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get("X-API-Key")
			if token == "" {
				token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if token == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
				http.Error(w, "invalid credentials", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller for per-client limits: the presented API
// key when there is one, else the remote IP.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return "key:" + k
	}
	if k, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && k != "" {
		return "key:" + k
	}
	return "ip:" + realIP(r)
}
