package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry carries a value and its own deadline, so callers can use per-entry
// TTLs shorter than the cache-wide default.
type entry struct {
	val       []byte
	expiresAt time.Time
}

// Memory is a W-TinyLFU cache backed by otter. Entries are dropped by otter
// at the default TTL and checked against their own deadline on read.
type Memory struct {
	cache *otter.Cache[string, entry]
	now   func() time.Time
}

// NewMemory returns a cache holding at most maxSize entries for at most
// defaultTTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, now: time.Now}, nil
}

// Get returns the value for key if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if m.now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.val, true
}

// Set stores val under key for ttl.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{val: val, expiresAt: m.now().Add(ttl)})
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge removes everything.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}
