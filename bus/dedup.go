package bus

import (
	"sync"
	"time"
)

// dedupCache suppresses events whose fingerprint was seen inside its
// dedup window. Entries expire lazily on lookup and eagerly via Sweep,
// which the bus runs once per SweepInterval while started.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // dedup key -> expiry
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string]time.Time)}
}

// CheckAndSet reports whether key is a live duplicate. When it is not, the
// key is recorded with expiry now+window. A non-positive window disables
// deduplication for the event.
func (c *dedupCache) CheckAndSet(key string, window time.Duration, now time.Time) bool {
	if key == "" || window <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[key]; ok && expiry.After(now) {
		return true
	}
	c.entries[key] = now.Add(window)
	return false
}

// Sweep evicts expired entries.
func (c *dedupCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, expiry := range c.entries {
		if !expiry.After(now) {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
