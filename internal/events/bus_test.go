package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FillsIdentityFields(t *testing.T) {
	ev := New(TaskStarted, "sess-1", "1.2", map[string]any{"title": "Parse input"})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TaskStarted, ev.Type)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "1.2", ev.TaskID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus(16, nil)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(context.Background(), New(TaskStarted, "s", "1", nil))

	select {
	case ev := <-ch:
		assert.Equal(t, TaskStarted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_SubscribeFiltersTypes(t *testing.T) {
	b := NewBus(16, nil)
	defer b.Close()

	ch, cancel := b.Subscribe(TaskCompleted, TaskFailed)
	defer cancel()

	ctx := context.Background()
	b.Publish(ctx, New(TaskStarted, "s", "1", nil))
	b.Publish(ctx, New(TaskCompleted, "s", "1", nil))

	select {
	case ev := <-ch:
		assert.Equal(t, TaskCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %v", ev.Type)
	default:
	}
}

func TestBus_HistoryOrderAndCap(t *testing.T) {
	b := NewBus(4, nil)
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		b.Publish(ctx, New(TaskQueued, "s", fmt.Sprintf("%d", i), nil))
	}

	hist := b.History(0)
	require.Len(t, hist, 4)
	// Oldest two were dropped past the cap
	assert.Equal(t, "2", hist[0].TaskID)
	assert.Equal(t, "5", hist[3].TaskID)

	limited := b.History(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "4", limited[0].TaskID)
	assert.Equal(t, "5", limited[1].TaskID)
}

func TestBus_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBus(16, nil)
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		ctx := context.Background()
		// Far more events than the subscriber buffer holds
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(ctx, New(TaskQueued, "s", "1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus(16, nil)
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel does not panic
	b.Publish(context.Background(), New(TaskQueued, "s", "1", nil))
}

func TestBus_CancelIsSafeDuringPublish(t *testing.T) {
	b := NewBus(16, nil)
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for i := 0; i < 500; i++ {
			b.Publish(ctx, New(TaskCompleted, "s", "1", nil))
		}
	}()

	// Churn subscriptions while the publisher runs
	for i := 0; i < 200; i++ {
		_, cancel := b.Subscribe(TaskCompleted)
		cancel()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not finish")
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := NewBus(16, nil)
	ch, _ := b.Subscribe()

	b.Close()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publish after close is a no-op
	b.Publish(context.Background(), New(TaskQueued, "s", "1", nil))
	assert.Empty(t, b.History(0))
}
