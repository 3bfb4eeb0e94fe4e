// Package cachetest checks that a cache.Cache behaves the way the dedup
// window expects.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/port/cache"
)

// Run exercises c with dedup-shaped keys. Keys are prefixed with t.Name()
// so one backend can be shared between runs.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()
	key := func(s string) string { return "dedup:" + t.Name() + ":" + s }

	tests := []struct {
		name  string
		setup func(t *testing.T, k string)
		found bool
		value string
	}{
		{"miss", func(*testing.T, string) {}, false, ""},
		{"set then get", func(t *testing.T, k string) {
			mustSet(t, c, k, "1")
		}, true, "1"},
		{"overwrite", func(t *testing.T, k string) {
			mustSet(t, c, k, "1")
			mustSet(t, c, k, "2")
		}, true, "2"},
		{"delete", func(t *testing.T, k string) {
			mustSet(t, c, k, "1")
			if err := c.Delete(ctx, k); err != nil {
				t.Fatalf("expected delete to succeed, got %v", err)
			}
		}, false, ""},
		{"delete missing", func(t *testing.T, k string) {
			if err := c.Delete(ctx, k); err != nil {
				t.Fatalf("expected no error deleting a missing key, got %v", err)
			}
		}, false, ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := key(string(rune('a' + i)))
			tt.setup(t, k)
			val, found, err := c.Get(ctx, k)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if found != tt.found {
				t.Fatalf("expected found=%v, got %v", tt.found, found)
			}
			if found && string(val) != tt.value {
				t.Errorf("expected %q, got %q", tt.value, val)
			}
		})
	}
}

func mustSet(t *testing.T, c cache.Cache, key, value string) {
	t.Helper()
	if err := c.Set(context.Background(), key, []byte(value), time.Minute); err != nil {
		t.Fatalf("expected set to succeed, got %v", err)
	}
}
