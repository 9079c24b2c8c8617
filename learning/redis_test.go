package learning

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-agent/vigil/core"
)

func newTestRedisStore(t *testing.T, cfg RedisConfig) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg.URL = "redis://" + mr.Addr()
	store, err := NewRedisStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t, RedisConfig{})
	ctx := context.Background()

	require.NoError(t, store.StoreAction(ctx, "cleanup_disk", "cleanup-disk", true, 120,
		"disk full on web-1", map[string]interface{}{"host": "web-1"}))

	results, err := store.FindMemories(ctx, memoryContent("cleanup_disk", "disk full on web-1"),
		10, core.CollectionLearning, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, true, results[0].Metadata["success"])
	assert.Equal(t, "web-1", results[0].Metadata["host"])
	assert.NotEmpty(t, results[0].Metadata["timestamp"])
}

func TestRedisStoreTrimsToMaxRecords(t *testing.T) {
	store, mr := newTestRedisStore(t, RedisConfig{MaxRecords: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.StoreAction(ctx, "cleanup_disk", "g", true, 1, "disk full", nil))
	}
	items, err := mr.List(store.key(core.CollectionLearning))
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newTestRedisStore(t, RedisConfig{})
	mr.Close()

	err := store.StoreAction(context.Background(), "cleanup_disk", "g", true, 1, "disk full", nil)
	assert.True(t, errors.Is(err, core.ErrMemoryUnavailable))

	_, err = store.FindMemories(context.Background(), "disk full", 10, core.CollectionLearning, 0)
	assert.True(t, errors.Is(err, core.ErrMemoryUnavailable))
}

func TestRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{URL: "://nope"}, nil)
	assert.Error(t, err)
}

func TestRedisStoreSkipsCorruptRecords(t *testing.T) {
	store, mr := newTestRedisStore(t, RedisConfig{})
	ctx := context.Background()

	require.NoError(t, store.StoreAction(ctx, "cleanup_disk", "g", true, 1, "disk full on web-1", nil))
	mr.Lpush(store.key(core.CollectionLearning), "{not json")

	results, err := store.FindMemories(ctx, memoryContent("cleanup_disk", "disk full on web-1"),
		10, core.CollectionLearning, 0.3)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
