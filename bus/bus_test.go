package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-agent/vigil/core"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.DequeueWait = 10 * time.Millisecond
	return cfg
}

func httpCheckEvent(status int) *core.Event {
	ev := core.NewEvent("http_check", "http_monitor:api",
		map[string]interface{}{"status": status}, core.PriorityHigh)
	ev.DedupWindow = 60 * time.Second
	return ev
}

func TestPublishBeforeStartThenProcess(t *testing.T) {
	b := New(fastConfig())

	var processed atomic.Int64
	b.Subscribe(func(ctx context.Context, ev *core.Event) error {
		processed.Add(1)
		return nil
	})

	ev := core.NewEvent("test_event", "test:1", map[string]interface{}{"n": 1}, core.PriorityMedium)
	require.True(t, b.Publish(ev))

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool { return processed.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.GetMetrics().EventsProcessed)
}

func TestStartTwiceFails(t *testing.T) {
	b := New(fastConfig())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.ErrorIs(t, b.Start(context.Background()), core.ErrAlreadyStarted)
}

func TestDedupWithinWindow(t *testing.T) {
	b := New(fastConfig())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	var processed atomic.Int64
	b.Subscribe(func(ctx context.Context, ev *core.Event) error {
		processed.Add(1)
		return nil
	})

	first := b.Publish(httpCheckEvent(500))
	second := b.Publish(httpCheckEvent(500))

	assert.True(t, first)
	assert.False(t, second)

	require.Eventually(t, func() bool {
		return b.GetMetrics().EventsProcessed == 1
	}, 2*time.Second, 5*time.Millisecond)

	m := b.GetMetrics()
	assert.Equal(t, uint64(2), m.EventsReceived)
	assert.Equal(t, uint64(1), m.EventsDeduplicated)
	assert.Equal(t, uint64(1), m.EventsProcessed)
	assert.Equal(t, int64(1), processed.Load())
}

func TestDedupReplayBypassesCache(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	var calls atomic.Int64
	failing := errors.New("handler down")
	b.Subscribe(func(ctx context.Context, ev *core.Event) error {
		if calls.Add(1) == 1 {
			return failing
		}
		return nil
	})

	ev := httpCheckEvent(503)
	require.True(t, b.Publish(ev))

	require.Eventually(t, func() bool { return b.GetMetrics().DLQSize == 1 },
		2*time.Second, 5*time.Millisecond)

	// The dedup entry for ev is still live; replay must not be suppressed.
	require.True(t, b.ReplayFromDLQ(ev.ID))
	require.Eventually(t, func() bool { return b.GetMetrics().EventsProcessed == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.GetMetrics().DLQSize)
}

func TestHandlerRetryToDLQ(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = 0
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	var invocations atomic.Int64
	b.Subscribe(func(ctx context.Context, ev *core.Event) error {
		invocations.Add(1)
		return errors.New("always fails")
	})

	ev := core.NewEvent("test_event", "test:1", map[string]interface{}{"n": 1}, core.PriorityMedium)
	require.True(t, b.Publish(ev))

	require.Eventually(t, func() bool { return b.GetMetrics().EventsFailed == 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(3), invocations.Load())
	m := b.GetMetrics()
	assert.Equal(t, uint64(3), m.HandlersInvoked)
	assert.Equal(t, uint64(1), m.EventsFailed)

	dlq := b.GetDLQ(0)
	require.Len(t, dlq, 1)
	assert.Equal(t, ev.ID, dlq[0].Event.ID)
	assert.Contains(t, dlq[0].Error, core.ErrMaxRetriesExceeded.Error())
	assert.Contains(t, dlq[0].Error, "always fails")
}

func TestHandlerPanicIsFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = 0
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	b.Subscribe(func(ctx context.Context, ev *core.Event) error {
		panic("boom")
	})

	require.True(t, b.Publish(core.NewEvent("test_event", "test:1", nil, core.PriorityLow)))
	require.Eventually(t, func() bool { return b.GetMetrics().EventsFailed == 1 },
		2*time.Second, 5*time.Millisecond)

	dlq := b.GetDLQ(1)
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0].Error, "panic")
}

func TestDLQBounded(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	cfg.RetryDelay = 0
	cfg.DLQMaxSize = 5
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	b.Subscribe(func(ctx context.Context, ev *core.Event) error {
		return errors.New("nope")
	})

	for i := 0; i < 8; i++ {
		ev := core.NewEvent("test_event", "test:1",
			map[string]interface{}{"n": i}, core.PriorityMedium)
		require.True(t, b.Publish(ev))
	}

	require.Eventually(t, func() bool { return b.GetMetrics().EventsFailed == 8 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, b.GetMetrics().DLQSize)
	assert.Len(t, b.GetDLQ(0), 5)
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	b := New(fastConfig())

	before := b.GetMetrics().Subscriptions
	id := b.Subscribe(func(ctx context.Context, ev *core.Event) error { return nil })
	assert.Equal(t, before+1, b.GetMetrics().Subscriptions)

	assert.True(t, b.Unsubscribe(id))
	assert.Equal(t, before, b.GetMetrics().Subscriptions)
	assert.False(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe("no-such-id"))
}

func TestPublishQueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxQueueSize = 2
	b := New(cfg) // not started, so nothing drains

	a := core.NewEvent("test_event", "test:1", map[string]interface{}{"n": 1}, core.PriorityLow)
	c := core.NewEvent("test_event", "test:1", map[string]interface{}{"n": 2}, core.PriorityLow)
	d := core.NewEvent("test_event", "test:1", map[string]interface{}{"n": 3}, core.PriorityCritical)

	assert.True(t, b.Publish(a))
	assert.True(t, b.Publish(c))
	assert.False(t, b.Publish(d))

	m := b.GetMetrics()
	assert.Equal(t, uint64(3), m.EventsReceived)
	assert.Equal(t, uint64(1), m.EventsRejected)
	assert.Equal(t, 2, m.QueueSize)
}

func TestTypeAndSourceAndPriorityFilters(t *testing.T) {
	b := New(fastConfig())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Handler {
		return func(ctx context.Context, ev *core.Event) error {
			mu.Lock()
			got[name] = append(got[name], ev.Source)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe(record("typed"), WithEventTypes("http_check"))
	b.Subscribe(record("global"))
	b.Subscribe(record("high-only"), WithPriorityFilter(core.PriorityHigh))
	b.Subscribe(record("one-source"), WithSourceFilter("file_watcher:w1"))

	events := []*core.Event{
		core.NewEvent("http_check", "http_monitor:api", map[string]interface{}{"a": 1}, core.PriorityHigh),
		core.NewEvent("file_change", "file_watcher:w1", map[string]interface{}{"b": 2}, core.PriorityMedium),
		core.NewEvent("log_pattern", "log_monitor:m1", map[string]interface{}{"c": 3}, core.PriorityCritical),
	}
	for _, ev := range events {
		ev.DedupWindow = 0
		require.True(t, b.Publish(ev))
	}

	require.Eventually(t, func() bool {
		return b.GetMetrics().EventsProcessed == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"http_monitor:api"}, got["typed"])
	assert.ElementsMatch(t,
		[]string{"http_monitor:api", "file_watcher:w1", "log_monitor:m1"}, got["global"])
	assert.ElementsMatch(t,
		[]string{"http_monitor:api", "log_monitor:m1"}, got["high-only"])
	assert.Equal(t, []string{"file_watcher:w1"}, got["one-source"])
}

func TestPriorityDrainOrderAcrossBus(t *testing.T) {
	// All events are enqueued before the consumer starts, so dequeue order
	// is fully determined by (priority, sequence).
	b := New(fastConfig())

	priorities := []core.Priority{
		core.PriorityLow, core.PriorityCritical, core.PriorityMedium,
		core.PriorityHigh, core.PriorityCritical,
	}
	for i, p := range priorities {
		ev := core.NewEvent("test_event", fmt.Sprintf("test:%d", i),
			map[string]interface{}{"idx": i}, p)
		require.True(t, b.Publish(ev))
	}

	var got []int
	for ev := b.queue.Pop(); ev != nil; ev = b.queue.Pop() {
		got = append(got, ev.Payload["idx"].(int))
	}
	// CRITICAL#1, CRITICAL#2, HIGH, MEDIUM, LOW by publish index.
	assert.Equal(t, []int{1, 4, 3, 2, 0}, got)
}

func TestStopDiscardsPending(t *testing.T) {
	b := New(fastConfig())
	require.NoError(t, b.Start(context.Background()))

	b.Stop()
	// Stop is idempotent.
	b.Stop()
}
