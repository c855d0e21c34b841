package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/hub/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribeExact(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.submitted", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("task.submitted", "test", map[string]interface{}{"task_id": "t1"})
	require.NoError(t, b.Publish(context.Background(), "task.submitted", ev))

	got := waitForEvent(t, received)
	assert.Equal(t, "task.submitted", got.Type)
	assert.Equal(t, "t1", got.Data["task_id"])
	assert.NotEmpty(t, got.ID)
}

func TestSubscribeDoesNotMatchOtherSubjects(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.submitted", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.completed",
		NewEvent("task.completed", "test", nil)))

	select {
	case <-received:
		t.Fatal("subscriber received an event for a different subject")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWildcardSingleToken(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 2)
	_, err := b.Subscribe("task.*", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.submitted",
		NewEvent("task.submitted", "test", nil)))
	got := waitForEvent(t, received)
	assert.Equal(t, "task.submitted", got.Type)

	// * matches exactly one token.
	require.NoError(t, b.Publish(context.Background(), "task.sub.deep",
		NewEvent("task.sub.deep", "test", nil)))
	select {
	case <-received:
		t.Fatal("* must not match multiple tokens")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWildcardMultiToken(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 2)
	_, err := b.Subscribe("hub.>", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "hub.state.changed",
		NewEvent("hub.state.changed", "test", nil)))
	got := waitForEvent(t, received)
	assert.Equal(t, "hub.state.changed", got.Type)
}

func TestQueueSubscribeDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	done := make(chan struct{}, 10)
	handler := func(name string) EventHandler {
		return func(ctx context.Context, ev *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			done <- struct{}{}
			return nil
		}
	}

	_, err := b.QueueSubscribe("work.item", "workers", handler("a"))
	require.NoError(t, err)
	_, err = b.QueueSubscribe("work.item", "workers", handler("b"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "work.item",
			NewEvent("work.item", "test", nil)))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queue delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, counts["a"]+counts["b"], "each event delivered exactly once")
	assert.Equal(t, 2, counts["a"], "round-robin should balance the group")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("x", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler received an event")
	case <-time.After(100 * time.Millisecond):
	}
}

type countingDrops struct {
	mu    sync.Mutex
	count int
}

func (c *countingDrops) EventDropped(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func (c *countingDrops) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestSlowSubscriberDropsAreCounted(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	drops := &countingDrops{}
	b.SetDropCounter(drops)

	block := make(chan struct{})
	_, err := b.Subscribe("flood", func(ctx context.Context, ev *Event) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	// One event occupies the worker, subscriberBuffer fill the channel, the
	// rest are dropped.
	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(context.Background(), "flood",
			NewEvent("flood", "test", nil)))
	}
	close(block)

	assert.GreaterOrEqual(t, drops.total(), 1, "overflow must be counted, not block")
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, ev *Event) error { return nil })
	assert.Error(t, err)
}
