package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vigil-agent/vigil/core"
)

func evWithPriority(p core.Priority, tag string) *core.Event {
	return core.NewEvent("test_event", "test:"+tag, map[string]interface{}{"tag": tag}, p)
}

func TestQueueStrictPriorityWithFIFOTiebreak(t *testing.T) {
	q := newPriorityQueue(0)

	// Publish order: LOW, CRITICAL, MEDIUM, HIGH, CRITICAL.
	q.Push(evWithPriority(core.PriorityLow, "low"))
	q.Push(evWithPriority(core.PriorityCritical, "crit1"))
	q.Push(evWithPriority(core.PriorityMedium, "med"))
	q.Push(evWithPriority(core.PriorityHigh, "high"))
	q.Push(evWithPriority(core.PriorityCritical, "crit2"))

	var got []string
	for ev := q.Pop(); ev != nil; ev = q.Pop() {
		got = append(got, ev.Payload["tag"].(string))
	}
	assert.Equal(t, []string{"crit1", "crit2", "high", "med", "low"}, got)
}

func TestQueueFIFOWithinSamePriority(t *testing.T) {
	q := newPriorityQueue(0)
	for i := 0; i < 50; i++ {
		q.Push(evWithPriority(core.PriorityMedium, fmt.Sprintf("e%02d", i)))
	}
	for i := 0; i < 50; i++ {
		ev := q.Pop()
		assert.Equal(t, fmt.Sprintf("e%02d", i), ev.Payload["tag"])
	}
}

func TestQueueHigherPriorityJumpsAhead(t *testing.T) {
	q := newPriorityQueue(0)
	q.Push(evWithPriority(core.PriorityLow, "first-low"))
	q.Push(evWithPriority(core.PriorityHigh, "later-high"))

	assert.Equal(t, "later-high", q.Pop().Payload["tag"])
	assert.Equal(t, "first-low", q.Pop().Payload["tag"])
}

func TestQueueBounded(t *testing.T) {
	q := newPriorityQueue(2)
	assert.True(t, q.Push(evWithPriority(core.PriorityLow, "a")))
	assert.True(t, q.Push(evWithPriority(core.PriorityLow, "b")))
	assert.False(t, q.Push(evWithPriority(core.PriorityCritical, "c")))
	assert.Equal(t, 2, q.Len())
}

func TestQueuePopEmpty(t *testing.T) {
	q := newPriorityQueue(1)
	assert.Nil(t, q.Pop())
}
