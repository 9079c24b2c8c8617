// Package bus implements the in-memory priority event bus that routes
// observations from sources to handlers.
//
// Scheduling: a single consumer loop drains a bounded priority queue keyed
// by (priority ordinal, sequence number). Dispatch does not await handler
// completion; each event's handlers run in their own goroutines so a slow
// handler cannot stall dequeueing. Within one priority level delivery is
// FIFO; across priorities it is strict.
//
// Failure handling: a handler error is retried up to MaxRetries attempts
// with a cancellable delay between attempts. When the final attempt fails
// the (event, error) pair is appended to a bounded dead-letter queue that
// supports inspection and replay. No handler failure stops the bus.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/observability"
)

// Handler processes a dispatched event. Returning an error triggers the
// retry loop; handlers are expected to honor ctx cancellation.
type Handler func(ctx context.Context, ev *core.Event) error

// Subscription is a handler registration with optional delivery filters.
type Subscription struct {
	ID             string
	EventTypes     map[string]struct{} // empty means all types
	PriorityFilter *core.Priority      // only events with priority <= filter
	SourceFilter   string              // exact match when non-empty

	handler Handler
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithEventTypes limits delivery to the given event types.
func WithEventTypes(types ...string) SubscribeOption {
	return func(s *Subscription) {
		for _, t := range types {
			s.EventTypes[t] = struct{}{}
		}
	}
}

// WithPriorityFilter limits delivery to events at or above the given
// priority (numerically, priority <= max).
func WithPriorityFilter(max core.Priority) SubscribeOption {
	return func(s *Subscription) {
		p := max
		s.PriorityFilter = &p
	}
}

// WithSourceFilter limits delivery to events from exactly the given source.
func WithSourceFilter(source string) SubscribeOption {
	return func(s *Subscription) { s.SourceFilter = source }
}

// Config holds event bus tunables.
type Config struct {
	// MaxQueueSize bounds the priority queue. Publish returns false when
	// the queue is full.
	MaxQueueSize int

	// MaxRetries is the total number of attempts per handler invocation.
	MaxRetries int

	// RetryDelay is the pause between failed attempts.
	RetryDelay time.Duration

	// DLQMaxSize bounds the dead-letter queue; oldest entries are dropped.
	DLQMaxSize int

	// SweepInterval is how often the dedup cache evicts expired entries.
	SweepInterval time.Duration

	// DequeueWait bounds how long the consumer sleeps on an empty queue
	// before rechecking.
	DequeueWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:  1000,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		DLQMaxSize:    1000,
		SweepInterval: time.Minute,
		DequeueWait:   time.Second,
	}
}

// Metrics is a point-in-time snapshot of bus counters and gauges.
type Metrics struct {
	EventsReceived     uint64 `json:"events_received"`
	EventsProcessed    uint64 `json:"events_processed"`
	EventsDeduplicated uint64 `json:"events_deduplicated"`
	EventsRejected     uint64 `json:"events_rejected"`
	EventsFailed       uint64 `json:"events_failed"`
	HandlersInvoked    uint64 `json:"handlers_invoked"`
	QueueSize          int    `json:"queue_size"`
	Subscriptions      int    `json:"subscriptions"`
	DLQSize            int    `json:"dlq_size"`
	DedupCacheSize     int    `json:"dedup_cache_size"`
}

// DLQEntry records an event whose handler exhausted all retries.
type DLQEntry struct {
	Event          *core.Event `json:"event"`
	SubscriptionID string      `json:"subscription_id"`
	Error          string      `json:"error"`
	FailedAt       time.Time   `json:"failed_at"`
}

// Bus routes events from sources to handlers with priority scheduling,
// deduplication, retries and a dead-letter queue.
type Bus struct {
	cfg   Config
	queue *priorityQueue
	dedup *dedupCache

	subMu sync.RWMutex
	subs  map[string]*Subscription

	dlqMu sync.Mutex
	dlq   []*DLQEntry

	received     atomic.Uint64
	processed    atomic.Uint64
	deduplicated atomic.Uint64
	rejected     atomic.Uint64
	failed       atomic.Uint64
	invoked      atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger core.Logger
	now    core.Clock
}

// Option customizes bus construction.
type Option func(*Bus)

// WithLogger sets the bus logger. Defaults to a no-op logger.
func WithLogger(l core.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now core.Clock) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bus. Zero-valued config fields take defaults.
func New(cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.DLQMaxSize <= 0 {
		cfg.DLQMaxSize = def.DLQMaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = def.DequeueWait
	}

	b := &Bus{
		cfg:    cfg,
		queue:  newPriorityQueue(cfg.MaxQueueSize),
		dedup:  newDedupCache(),
		subs:   make(map[string]*Subscription),
		logger: &core.NoOpLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the consumer loop and the dedup sweeper. It returns
// core.ErrAlreadyStarted when the bus is already running.
func (b *Bus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)
	go b.consume(runCtx)
	go b.sweep(runCtx)

	b.logger.Info("Event bus started", map[string]interface{}{
		"max_queue_size": b.cfg.MaxQueueSize,
		"max_retries":    b.cfg.MaxRetries,
	})
	return nil
}

// Stop cancels the consumer and sweeper and waits for them to exit.
// Events still enqueued are discarded; in-flight handlers see their
// context cancelled.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("Event bus stopped", map[string]interface{}{
		"discarded": b.queue.Len(),
	})
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(h Handler, opts ...SubscribeOption) string {
	sub := &Subscription{
		ID:         uuid.NewString(),
		EventTypes: make(map[string]struct{}),
		handler:    h,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.subMu.Lock()
	b.subs[sub.ID] = sub
	b.subMu.Unlock()

	b.logger.Debug("Handler subscribed", map[string]interface{}{
		"subscription_id": sub.ID,
		"event_types":     len(sub.EventTypes),
	})
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false for unknown ids.
func (b *Bus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish offers an event to the bus. It never blocks. The return value is
// false when the event was suppressed as a duplicate or the queue is full.
func (b *Bus) Publish(ev *core.Event) bool {
	b.received.Add(1)
	observability.EventsReceived.Inc()

	if b.dedup.CheckAndSet(ev.DedupKey, ev.DedupWindow, b.now()) {
		b.deduplicated.Add(1)
		observability.EventsDeduplicated.Inc()
		b.logger.Debug("Event deduplicated", map[string]interface{}{
			"event_id":  ev.ID,
			"dedup_key": ev.DedupKey,
		})
		return false
	}
	return b.enqueue(ev)
}

// enqueue inserts without dedup checks. Replay uses it directly so a
// still-live dedup entry cannot suppress an operator-requested replay.
func (b *Bus) enqueue(ev *core.Event) bool {
	if !b.queue.Push(ev) {
		b.rejected.Add(1)
		observability.EventsRejected.Inc()
		b.logger.Warn("Event rejected, queue full", map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"queue_size": b.queue.Len(),
		})
		return false
	}
	observability.QueueDepth.Set(float64(b.queue.Len()))
	return true
}

// GetMetrics returns a snapshot of counters and live gauges.
func (b *Bus) GetMetrics() Metrics {
	b.subMu.RLock()
	subCount := len(b.subs)
	b.subMu.RUnlock()

	b.dlqMu.Lock()
	dlqLen := len(b.dlq)
	b.dlqMu.Unlock()

	return Metrics{
		EventsReceived:     b.received.Load(),
		EventsProcessed:    b.processed.Load(),
		EventsDeduplicated: b.deduplicated.Load(),
		EventsRejected:     b.rejected.Load(),
		EventsFailed:       b.failed.Load(),
		HandlersInvoked:    b.invoked.Load(),
		QueueSize:          b.queue.Len(),
		Subscriptions:      subCount,
		DLQSize:            dlqLen,
		DedupCacheSize:     b.dedup.Len(),
	}
}

// GetDLQ returns up to limit dead-letter entries, newest last. A
// non-positive limit returns everything.
func (b *Bus) GetDLQ(limit int) []*DLQEntry {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()

	n := len(b.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*DLQEntry, n)
	copy(out, b.dlq[len(b.dlq)-n:])
	return out
}

// ReplayFromDLQ removes the entry for eventID and re-enqueues its event,
// bypassing deduplication. Returns false when the event is not in the DLQ
// or the queue is full (the entry is kept in that case).
func (b *Bus) ReplayFromDLQ(eventID string) bool {
	b.dlqMu.Lock()
	idx := -1
	for i, entry := range b.dlq {
		if entry.Event.ID == eventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.dlqMu.Unlock()
		return false
	}
	entry := b.dlq[idx]
	b.dlq = append(b.dlq[:idx], b.dlq[idx+1:]...)
	observability.DLQSize.Set(float64(len(b.dlq)))
	b.dlqMu.Unlock()

	if !b.enqueue(entry.Event) {
		// Queue full; put the entry back so the event is not lost.
		b.dlqMu.Lock()
		b.dlq = append(b.dlq, entry)
		observability.DLQSize.Set(float64(len(b.dlq)))
		b.dlqMu.Unlock()
		return false
	}
	b.logger.Info("Event replayed from DLQ", map[string]interface{}{
		"event_id": eventID,
	})
	return true
}

// consume is the single consumer loop. It dequeues strictly by priority and
// hands each event to a dispatch goroutine without waiting for handler
// completion.
func (b *Bus) consume(ctx context.Context) {
	defer b.wg.Done()

	for {
		ev := b.queue.Pop()
		if ev == nil {
			select {
			case <-ctx.Done():
				return
			case <-b.queue.wake:
			case <-time.After(b.cfg.DequeueWait):
			}
			continue
		}
		observability.QueueDepth.Set(float64(b.queue.Len()))

		select {
		case <-ctx.Done():
			return
		default:
		}

		subs := b.matching(ev)
		b.wg.Add(1)
		go b.dispatch(ctx, ev, subs)
	}
}

// matching computes the interested subscriptions for an event: handlers for
// its type plus global handlers, filtered by priority ceiling and source.
func (b *Bus) matching(ev *core.Event) []*Subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	var out []*Subscription
	for _, sub := range b.subs {
		if len(sub.EventTypes) > 0 {
			if _, ok := sub.EventTypes[ev.Type]; !ok {
				continue
			}
		}
		if sub.PriorityFilter != nil && ev.Priority > *sub.PriorityFilter {
			continue
		}
		if sub.SourceFilter != "" && sub.SourceFilter != ev.Source {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// dispatch invokes every interested handler concurrently and settles the
// event's processed/failed accounting once all of them finished.
func (b *Bus) dispatch(ctx context.Context, ev *core.Event, subs []*Subscription) {
	defer b.wg.Done()

	if len(subs) == 0 {
		b.processed.Add(1)
		observability.EventsProcessed.Inc()
		return
	}

	var (
		handlerWG sync.WaitGroup
		anyFailed atomic.Bool
	)
	for _, sub := range subs {
		handlerWG.Add(1)
		go func(sub *Subscription) {
			defer handlerWG.Done()
			if err := b.invokeWithRetry(ctx, sub, ev); err != nil {
				anyFailed.Store(true)
				b.addToDLQ(ev, sub.ID, err)
			}
		}(sub)
	}
	handlerWG.Wait()

	if anyFailed.Load() {
		b.failed.Add(1)
		observability.EventsFailed.Inc()
	} else {
		b.processed.Add(1)
		observability.EventsProcessed.Inc()
	}
}

// invokeWithRetry calls the handler up to MaxRetries times with a
// cancellable delay between attempts. Panics count as failures.
func (b *Bus) invokeWithRetry(ctx context.Context, sub *Subscription, ev *core.Event) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b.invoked.Add(1)
		observability.HandlersInvoked.Inc()
		err := b.invoke(ctx, sub, ev)
		if err == nil {
			return nil
		}
		lastErr = err
		b.logger.Warn("Handler failed", map[string]interface{}{
			"subscription_id": sub.ID,
			"event_id":        ev.ID,
			"attempt":         attempt,
			"error":           err.Error(),
		})

		if attempt == b.cfg.MaxRetries {
			break
		}
		if b.cfg.RetryDelay > 0 {
			timer := time.NewTimer(b.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w: %d attempts, last error: %v", core.ErrMaxRetriesExceeded, b.cfg.MaxRetries, lastErr)
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev *core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

func (b *Bus) addToDLQ(ev *core.Event, subID string, err error) {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()

	b.dlq = append(b.dlq, &DLQEntry{
		Event:          ev,
		SubscriptionID: subID,
		Error:          err.Error(),
		FailedAt:       b.now(),
	})
	if over := len(b.dlq) - b.cfg.DLQMaxSize; over > 0 {
		b.dlq = b.dlq[over:]
	}
	observability.DLQSize.Set(float64(len(b.dlq)))
}

// sweep evicts expired dedup entries once per SweepInterval.
func (b *Bus) sweep(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := b.dedup.Sweep(b.now()); evicted > 0 {
				b.logger.Debug("Dedup cache swept", map[string]interface{}{
					"evicted":   evicted,
					"remaining": b.dedup.Len(),
				})
			}
		}
	}
}
