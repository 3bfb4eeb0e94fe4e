// Package cache defines the key/value cache port backing the message
// dedup window.
package cache

import (
	"context"
	"time"
)

// Cache stores short-lived entries keyed by "dedup:<receiver>:<message id>".
//
// Get reports a miss as (nil, false, nil); an error means the backend
// could not answer. Set replaces any existing value and a ttl of zero keeps
// the entry until it is deleted or evicted. Deleting a missing key is not
// an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
