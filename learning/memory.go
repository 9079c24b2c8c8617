package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/vigil-agent/vigil/core"
)

// storedMemory is the persisted shape shared by memory backends.
type storedMemory struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// memoryContent renders a record into the searchable content string. The
// same shape is used as the confidence query so an identical context
// scores 1.0 against its own record.
func memoryContent(actionType, actionContext string) string {
	return fmt.Sprintf("%s action: %s", actionType, actionContext)
}

func baseMetadata(actionType, goalID string, success bool, durationMS float64, details map[string]interface{}) map[string]interface{} {
	md := map[string]interface{}{
		"action_type": actionType,
		"goal_id":     goalID,
		"success":     success,
		"duration_ms": durationMS,
	}
	for k, v := range details {
		md[k] = v
	}
	return md
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = struct{}{}
	}
	return out
}

// similarity is the Jaccard index over token sets. Identical strings
// score 1.0; disjoint ones score 0.
func similarity(query, content map[string]struct{}) float64 {
	if len(query) == 0 || len(content) == 0 {
		return 0
	}
	shared := 0
	for tok := range query {
		if _, ok := content[tok]; ok {
			shared++
		}
	}
	union := len(query) + len(content) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// rankMemories scores records against a query and returns the best
// matches above minScore, newest-first among equal scores.
func rankMemories(records []storedMemory, collection, query string, limit int, minScore float64) []core.MemoryResult {
	qTokens := tokenize(query)
	var out []core.MemoryResult
	for _, rec := range records {
		score := similarity(qTokens, tokenize(rec.Content))
		if score < minScore {
			continue
		}
		out = append(out, core.MemoryResult{
			Content:    rec.Content,
			Score:      score,
			Metadata:   rec.Metadata,
			Collection: collection,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// InMemoryStore is a process-local SemanticMemory. It backs tests and
// single-node deployments that run without Redis.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]storedMemory
	maxPerColl  int
	now         core.Clock
}

// NewInMemoryStore creates an empty store keeping at most maxPerCollection
// records per collection (0 means 1000).
func NewInMemoryStore(maxPerCollection int) *InMemoryStore {
	if maxPerCollection <= 0 {
		maxPerCollection = 1000
	}
	return &InMemoryStore{
		collections: make(map[string][]storedMemory),
		maxPerColl:  maxPerCollection,
		now:         time.Now,
	}
}

// SetClock overrides the timestamp source. Used by tests.
func (s *InMemoryStore) SetClock(now core.Clock) {
	if now != nil {
		s.now = now
	}
}

// StoreAction appends an outcome record to the learning collection,
// evicting the oldest record past the per-collection cap.
func (s *InMemoryStore) StoreAction(_ context.Context, actionType, goalID string, success bool, durationMS float64, actionContext string, details map[string]interface{}) error {
	md := baseMetadata(actionType, goalID, success, durationMS, details)
	if _, ok := md["timestamp"]; !ok {
		md["timestamp"] = s.now().UTC().Format(time.RFC3339)
	}
	rec := storedMemory{
		Content:  memoryContent(actionType, actionContext),
		Metadata: md,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	coll := append(s.collections[core.CollectionLearning], rec)
	if len(coll) > s.maxPerColl {
		coll = coll[len(coll)-s.maxPerColl:]
	}
	s.collections[core.CollectionLearning] = coll
	return nil
}

// FindMemories scores all records in the collection against the query.
func (s *InMemoryStore) FindMemories(_ context.Context, query string, limit int, collection string, minScore float64) ([]core.MemoryResult, error) {
	s.mu.RLock()
	records := make([]storedMemory, len(s.collections[collection]))
	copy(records, s.collections[collection])
	s.mu.RUnlock()
	return rankMemories(records, collection, query, limit, minScore), nil
}

// Len reports the record count in a collection.
func (s *InMemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}
