package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vigil-agent/vigil/core"
)

// RedisStore persists outcome records in Redis lists, one per collection,
// so learning survives restarts. Similarity is computed client-side over
// a bounded scan window.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	scanLimit int64
	logger    core.Logger
	now       core.Clock
}

// RedisConfig holds Redis store tunables.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	// MaxRecords caps each collection list; older records are trimmed.
	MaxRecords int64
	// ScanLimit bounds how many recent records a query considers.
	ScanLimit int64
}

// DefaultRedisConfig returns production defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        "redis://localhost:6379",
		KeyPrefix:  "vigil:memory",
		MaxRecords: 5000,
		ScanLimit:  500,
	}
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger core.Logger) (*RedisStore, error) {
	def := DefaultRedisConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = def.MaxRecords
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, core.NewRuntimeError("learning.NewRedisStore", "config", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrMemoryUnavailable, err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxRecords,
		scanLimit: cfg.ScanLimit,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock overrides the timestamp source. Used by tests.
func (s *RedisStore) SetClock(now core.Clock) {
	if now != nil {
		s.now = now
	}
}

func (s *RedisStore) key(collection string) string {
	return s.keyPrefix + ":" + collection
}

// StoreAction pushes the record to the head of the collection list and
// trims the tail past MaxRecords.
func (s *RedisStore) StoreAction(ctx context.Context, actionType, goalID string, success bool, durationMS float64, actionContext string, details map[string]interface{}) error {
	md := baseMetadata(actionType, goalID, success, durationMS, details)
	if _, ok := md["timestamp"]; !ok {
		md["timestamp"] = s.now().UTC().Format(time.RFC3339)
	}
	rec := storedMemory{
		Content:  memoryContent(actionType, actionContext),
		Metadata: md,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return core.NewRuntimeError("learning.StoreAction", "serialization", err)
	}

	key := s.key(core.CollectionLearning)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMemoryUnavailable, err)
	}
	return nil
}

// FindMemories scans the most recent ScanLimit records and ranks them by
// token-overlap similarity to the query.
func (s *RedisStore) FindMemories(ctx context.Context, query string, limit int, collection string, minScore float64) ([]core.MemoryResult, error) {
	raw, err := s.client.LRange(ctx, s.key(collection), 0, s.scanLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMemoryUnavailable, err)
	}

	records := make([]storedMemory, 0, len(raw))
	for _, item := range raw {
		var rec storedMemory
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.logger.Warn("Skipping undecodable memory record", map[string]interface{}{
				"collection": collection,
				"error":      err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}
	return rankMemories(records, collection, query, limit, minScore), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
