// Package cache provides the in-process result cache used when Redis is not configured.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// MemoryCache is a size-bounded LRU with per-entry expiry.
type MemoryCache struct {
	lru    *lru.Cache
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports cache effectiveness.
type Stats struct {
	Items  int   `json:"items"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewMemoryCache creates a cache holding at most maxItems entries for ttl each.
// A zero ttl disables expiry.
func NewMemoryCache(maxItems int, ttl time.Duration) (*MemoryCache, error) {
	if maxItems <= 0 {
		maxItems = 1000
	}
	c, err := lru.New(maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &MemoryCache{lru: c, ttl: ttl, now: time.Now}, nil
}

// Get returns a live entry. Expired entries are evicted on access.
func (m *MemoryCache) Get(key string) (any, bool) {
	raw, ok := m.lru.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	e := raw.(entry)
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.lru.Remove(key)
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return e.value, true
}

// Set stores value under key.
func (m *MemoryCache) Set(key string, value any) {
	e := entry{value: value}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.lru.Add(key, e)
}

// Remove deletes key.
func (m *MemoryCache) Remove(key string) {
	m.lru.Remove(key)
}

// Purge drops every entry.
func (m *MemoryCache) Purge() {
	m.lru.Purge()
}

// Stats returns current counters.
func (m *MemoryCache) Stats() Stats {
	return Stats{Items: m.lru.Len(), Hits: m.hits.Load(), Misses: m.misses.Load()}
}

// Key derives a stable cache key from any JSON-encodable parts.
func Key(parts ...any) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, p := range parts {
		enc.Encode(p)
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}
