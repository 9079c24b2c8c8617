package bus

import (
	"container/heap"
	"sync"

	"github.com/vigil-agent/vigil/core"
)

// queuedEvent pairs an event with the monotonically increasing sequence
// number assigned at enqueue time. Ordering key is (priority, seq) so events
// of equal priority stay FIFO and events themselves are never compared.
type queuedEvent struct {
	ev  *core.Event
	seq uint64
}

// eventHeap implements heap.Interface over queuedEvents.
type eventHeap []*queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority < h[j].ev.Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedEvent))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// priorityQueue wraps eventHeap with a mutex and a bounded capacity. A
// buffered wake channel lets the single consumer block between pushes
// without spinning.
type priorityQueue struct {
	mu   sync.Mutex
	h    eventHeap
	max  int
	seq  uint64
	wake chan struct{}
}

func newPriorityQueue(max int) *priorityQueue {
	return &priorityQueue{
		h:    make(eventHeap, 0),
		max:  max,
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues an event. It never blocks; the return value is false when
// the queue is at capacity.
func (q *priorityQueue) Push(ev *core.Event) bool {
	q.mu.Lock()
	if q.max > 0 && len(q.h) >= q.max {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.h, &queuedEvent{ev: ev, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the highest-priority event, or nil when empty.
func (q *priorityQueue) Pop() *core.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*queuedEvent).ev
}

func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
