package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/port/cache"
	"github.com/Strob0t/AgentHost/internal/port/cache/cachetest"
)

// mapCache is a minimal TTL cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string]mapEntry
	now  func() time.Time
}

type mapEntry struct {
	val     []byte
	expires time.Time
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || (!e.expires.IsZero() && !m.now().Before(e.expires)) {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := mapEntry{val: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestMapCacheCompliance(t *testing.T) {
	cachetest.Run(t, &mapCache{data: make(map[string]mapEntry), now: time.Now})
}

func TestDedupKeyExpires(t *testing.T) {
	now := time.Now()
	c := &mapCache{data: make(map[string]mapEntry), now: func() time.Time { return now }}
	ctx := context.Background()

	_ = c.Set(ctx, "dedup:bob:m1", []byte{1}, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, found, _ := c.Get(ctx, "dedup:bob:m1"); found {
		t.Fatal("expected dedup key to expire after its window")
	}
}

var _ cache.Cache = (*mapCache)(nil)
