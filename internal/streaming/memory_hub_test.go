package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		InstanceID: "case-1",
		ObjectType: "Case",
		Type:       "transition",
		State:      "Assigned",
		Version:    2,
		Payload:    map[string]any{"event": "assign"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, event.InstanceID, got.InstanceID)
		assert.Equal(t, event.State, got.State)
		assert.Equal(t, event.Type, got.Type)
		assert.Equal(t, int64(2), got.Version)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByInstanceID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: "case-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "case-2", Type: "transition"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "case-1", Type: "transition"}))

	select {
	case got := <-ch:
		assert.Equal(t, "case-1", got.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Empty(t, ch)
}

func TestFilterByObjectTypeAndTypes(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		ObjectType: "Case",
		Types:      []string{"action.degraded"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "a", ObjectType: "Case", Type: "transition"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "b", ObjectType: "Lead", Type: "action.degraded"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "c", ObjectType: "Case", Type: "action.degraded"}))

	select {
	case got := <-ch:
		assert.Equal(t, "c", got.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "case-1"}))
}

func TestContextEndUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, unsub, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsub()

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// None of these should block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "case-1", Type: "tick"}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			goto done
		}
	}
done:
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, StreamEvent{InstanceID: "case-concurrent", Type: "tick"})
			}
		}()
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, StreamEvent{InstanceID: "case-1", Type: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
