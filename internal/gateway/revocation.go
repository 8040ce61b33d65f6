package gateway

import (
	"sync"
	"time"
)

// defaultRevocationTTL bounds how stale an API-key existence check may be.
// Deletion must propagate within this window even without an explicit
// invalidation.
const defaultRevocationTTL = 30 * time.Second

type revocationEntry struct {
	exists    bool
	fetchedAt time.Time
}

// revocationCache memoizes API-key existence checks.
type revocationCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]revocationEntry
	now     func() time.Time
}

func newRevocationCache(ttl time.Duration) *revocationCache {
	return &revocationCache{
		ttl:     ttl,
		entries: make(map[string]revocationEntry),
		now:     time.Now,
	}
}

func (c *revocationCache) get(id string) (exists, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || c.now().Sub(e.fetchedAt) > c.ttl {
		return false, false
	}
	return e.exists, true
}

func (c *revocationCache) set(id string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = revocationEntry{exists: exists, fetchedAt: c.now()}
}

func (c *revocationCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
