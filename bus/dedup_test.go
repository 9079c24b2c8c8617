package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCacheSuppressesInsideWindow(t *testing.T) {
	c := newDedupCache()
	now := time.Now()

	assert.False(t, c.CheckAndSet("k1", time.Minute, now))
	assert.True(t, c.CheckAndSet("k1", time.Minute, now.Add(5*time.Second)))
	assert.True(t, c.CheckAndSet("k1", time.Minute, now.Add(59*time.Second)))
}

func TestDedupCacheExpiry(t *testing.T) {
	c := newDedupCache()
	now := time.Now()

	assert.False(t, c.CheckAndSet("k1", time.Minute, now))
	// After the window, the key is fresh again and re-arms.
	assert.False(t, c.CheckAndSet("k1", time.Minute, now.Add(61*time.Second)))
	assert.True(t, c.CheckAndSet("k1", time.Minute, now.Add(62*time.Second)))
}

func TestDedupCacheDisabled(t *testing.T) {
	c := newDedupCache()
	now := time.Now()

	assert.False(t, c.CheckAndSet("", time.Minute, now))
	assert.False(t, c.CheckAndSet("k1", 0, now))
	assert.False(t, c.CheckAndSet("k1", 0, now))
	assert.Equal(t, 0, c.Len())
}

func TestDedupCacheSweep(t *testing.T) {
	c := newDedupCache()
	now := time.Now()

	c.CheckAndSet("a", time.Minute, now)
	c.CheckAndSet("b", 2*time.Minute, now)
	assert.Equal(t, 2, c.Len())

	evicted := c.Sweep(now.Add(90 * time.Second))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, c.Len())
}
