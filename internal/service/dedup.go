package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/port/cache"
)

// Deduper remembers which message ids each receiver has already been
// handed. An id is claimed while its delivery is in progress and confirmed
// into the cache once committed, so concurrent duplicates are refused too.
type Deduper struct {
	cache cache.Cache
	ttl   time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewDeduper creates a deduper remembering ids for ttl in c.
func NewDeduper(c cache.Cache, ttl time.Duration) *Deduper {
	return &Deduper{cache: c, ttl: ttl, pending: make(map[string]struct{})}
}

func dedupKey(to agent.ID, msgID string) string {
	return "dedup:" + to.String() + ":" + msgID
}

// Claim reports whether the message may be delivered to to. A false result
// means the id was seen within the window or is being delivered right now.
func (d *Deduper) Claim(ctx context.Context, to agent.ID, msgID string) bool {
	key := dedupKey(to, msgID)
	d.mu.Lock()
	if _, busy := d.pending[key]; busy {
		d.mu.Unlock()
		return false
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	_, seen, err := d.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("dedup lookup failed", "key", key, "error", err)
	}
	if seen {
		d.Abandon(to, msgID)
		return false
	}
	return true
}

// Confirm records a committed delivery.
func (d *Deduper) Confirm(ctx context.Context, to agent.ID, msgID string) {
	key := dedupKey(to, msgID)
	if err := d.cache.Set(ctx, key, []byte{1}, d.ttl); err != nil {
		slog.Warn("dedup store failed", "key", key, "error", err)
	}
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

// Abandon releases a claim whose delivery did not happen.
func (d *Deduper) Abandon(to agent.ID, msgID string) {
	d.mu.Lock()
	delete(d.pending, dedupKey(to, msgID))
	d.mu.Unlock()
}
