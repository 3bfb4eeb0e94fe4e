// Package ristretto keeps the host's message dedup window in process memory
// using dgraph-io/ristretto.
package ristretto

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ErrRejected is returned when the admission policy refuses an entry. The
// message it stood for can then be delivered twice.
var ErrRejected = errors.New("dedup entry rejected by admission policy")

// entryCost approximates the size of one dedup key, used to size the
// frequency sketch.
const entryCost = 64

// Cache is a bounded, expiring set of recently seen message keys.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// Stats summarizes lookups and evictions since the cache was created.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Evicted  uint64
	Rejected uint64
}

// New creates a cache whose keys plus values never exceed maxCostBytes.
func New(maxCostBytes int64) (*Cache, error) {
	counters := maxCostBytes / entryCost * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        counters,
		MaxCost:            maxCostBytes,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	return val, found, nil
}

// Set records key for ttl. The write is visible to Get once Set returns.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.c.SetWithTTL(key, value, int64(len(key)+len(value)), ttl) {
		return ErrRejected
	}
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats reports the counters kept by ristretto.
func (c *Cache) Stats() Stats {
	m := c.c.Metrics
	return Stats{
		Hits:     m.Hits(),
		Misses:   m.Misses(),
		Evicted:  m.KeysEvicted(),
		Rejected: m.SetsRejected() + m.SetsDropped(),
	}
}

func (c *Cache) Close() {
	c.c.Close()
}
