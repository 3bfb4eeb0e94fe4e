// Package tiered layers the in-process dedup cache over a shared one so
// that duplicate message IDs are caught across hosts.
package tiered

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Strob0t/AgentHost/internal/port/cache"
	"github.com/Strob0t/AgentHost/internal/resilience"
)

// Cache answers from the local level when it can and consults the shared
// level otherwise. Shared-level hits are copied down with a short expiry.
//
// The shared level sits behind a circuit breaker. While it is open the
// cache runs on the local level alone and no call waits on the network.
// Local errors are returned; shared errors are logged and counted.
type Cache struct {
	local    cache.Cache
	shared   cache.Cache
	copyDown time.Duration
	breaker  *resilience.Breaker
	misses   atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithBreaker replaces the default breaker guarding the shared level.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Cache) { c.breaker = b }
}

// New layers local over shared. copyDown is how long a shared hit stays in
// the local level.
func New(local, shared cache.Cache, copyDown time.Duration, opts ...Option) *Cache {
	c := &Cache{local: local, shared: shared, copyDown: copyDown}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "dedup-l2", MaxFailures: 3, Timeout: 10 * time.Second})
	}
	return c
}

// SharedFailures is the number of shared-level calls that failed or were
// skipped by the breaker.
func (c *Cache) SharedFailures() int64 { return c.misses.Load() }

// Get checks the local level, then the shared one.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.local.Get(ctx, key)
	if err != nil || found {
		return val, found, err
	}

	err = c.guard(ctx, "get", key, func(ctx context.Context) error {
		val, found, err = c.shared.Get(ctx, key)
		return err
	})
	if err != nil || !found {
		return nil, false, nil
	}
	_ = c.local.Set(ctx, key, val, c.copyDown)
	return val, true, nil
}

// Set records key on both levels.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_ = c.guard(ctx, "set", key, func(ctx context.Context) error {
		return c.shared.Set(ctx, key, value, ttl)
	})
	return nil
}

// Delete forgets key on both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	_ = c.guard(ctx, "delete", key, func(ctx context.Context) error {
		return c.shared.Delete(ctx, key)
	})
	return nil
}

func (c *Cache) guard(ctx context.Context, op, key string, fn func(context.Context) error) error {
	err := c.breaker.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	c.misses.Add(1)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		slog.Warn("shared dedup cache failed", "op", op, "key", key, "error", err)
	}
	return err
}
