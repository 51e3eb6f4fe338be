package retrieval

import (
	"sync"
	"time"
)

// indexCache holds a parsed remote index for a bounded time so object-store
// connectors do not fetch the corpus on every request.
type indexCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	clock     func() time.Time
	records   []indexRecord
	expiresAt time.Time
}

func newIndexCache(ttl time.Duration) *indexCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &indexCache{ttl: ttl, clock: time.Now}
}

// get returns the cached records and whether they are still fresh.
func (c *indexCache) get() ([]indexRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock().Before(c.expiresAt) {
		return c.records, true
	}
	return nil, false
}

func (c *indexCache) put(records []indexRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = records
	c.expiresAt = c.clock().Add(c.ttl)
}
