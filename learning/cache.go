package learning

import (
	"sync"
	"time"
)

// contextKeyLen bounds the cached context prefix so near-identical long
// contexts share an entry.
const contextKeyLen = 100

type cacheKey struct {
	actionType string
	context    string
}

type cacheEntry struct {
	score     *ConfidenceScore
	expiresAt time.Time
}

// scoreCache memoizes computed confidence scores per (action type, context
// prefix). Entries expire by TTL and are dropped for a whole action type
// when a new outcome for it is recorded.
type scoreCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

func newScoreCache() *scoreCache {
	return &scoreCache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *scoreCache) key(actionType, actionContext string) cacheKey {
	if len(actionContext) > contextKeyLen {
		actionContext = actionContext[:contextKeyLen]
	}
	return cacheKey{actionType: actionType, context: actionContext}
}

func (c *scoreCache) Get(actionType, actionContext string, now time.Time) (*ConfidenceScore, bool) {
	k := c.key(actionType, actionContext)
	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok || now.After(entry.expiresAt) {
		return nil, false
	}
	return entry.score, true
}

func (c *scoreCache) Put(actionType, actionContext string, score *ConfidenceScore, expiresAt time.Time) {
	k := c.key(actionType, actionContext)
	c.mu.Lock()
	c.entries[k] = cacheEntry{score: score, expiresAt: expiresAt}
	c.mu.Unlock()
}

// InvalidateType drops every cached score for the action type. Called
// after a new outcome is stored so stale confidence never outlives fresh
// evidence by more than one lookup.
func (c *scoreCache) InvalidateType(actionType string) {
	c.mu.Lock()
	for k := range c.entries {
		if k.actionType == actionType {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *scoreCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
