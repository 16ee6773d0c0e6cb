// Package cache provides a small in-memory TTL cache for rendered responses.
// The monitor surface uses it so statistics polling does not recompute
// aggregates on every request.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized responses under string keys.
type Cache interface {
	// Get returns the cached value for key if present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores val under key for ttl.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete removes key.
	Delete(ctx context.Context, key string)
	// Purge removes everything.
	Purge(ctx context.Context)
}
