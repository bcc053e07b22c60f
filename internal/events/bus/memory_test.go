package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alchemistral/missiond/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.NotNil(t, b)
	assert.True(t, b.IsConnected())
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var received *Event
	sub, err := b.Subscribe("mission.1", func(ctx context.Context, e *Event) error {
		received = e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent("orchestrator", "task_started", map[string]interface{}{"task_id": "t1"})
	require.NoError(t, b.Publish(ctx, "mission.1", event))

	require.NotNil(t, received)
	assert.Equal(t, event.ID, received.ID)
	assert.Equal(t, "task_started", received.Type)
}

func TestMemoryEventBus_ExactMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("mission.1", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "mission.1", NewEvent("orchestrator", "x", nil)))
	require.NoError(t, b.Publish(ctx, "mission.2", NewEvent("orchestrator", "x", nil)))

	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("mission.*.agent", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "mission.1.agent", NewEvent("a1", "x", nil)))
	require.NoError(t, b.Publish(ctx, "mission.2.agent", NewEvent("a2", "x", nil)))
	require.NoError(t, b.Publish(ctx, "mission.agent", NewEvent("a3", "x", nil))) // missing token, no match

	assert.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("mission.1.>", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "mission.1.agent", NewEvent("a1", "x", nil)))
	require.NoError(t, b.Publish(ctx, "mission.1.agent.output", NewEvent("a1", "x", nil)))

	assert.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	sub, err := b.Subscribe("mission.1", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "mission.1", NewEvent("orchestrator", "x", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "mission.1", NewEvent("orchestrator", "x", nil)))
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_QueueSubscribeRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var mu sync.Mutex
	calls := make([]int, 3)
	for i := 0; i < 3; i++ {
		idx := i
		sub, err := b.QueueSubscribe("mission.1.tasks", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			calls[idx]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "mission.1.tasks", NewEvent("orchestrator", "x", nil)))
	}

	mu.Lock()
	defer mu.Unlock()
	total := calls[0] + calls[1] + calls[2]
	assert.Equal(t, 6, total)
}

func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	const n = 50
	var order []int
	sub, err := b.Subscribe("mission.1.agent.output", func(ctx context.Context, e *Event) error {
		seq := e.Data["seq"].(int)
		order = append(order, seq)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, "mission.1.agent.output", NewEvent("a1", "output", map[string]interface{}{"seq": i})))
	}

	require.Len(t, order, n)
	for i, seq := range order {
		assert.Equal(t, i, seq, "events must stream in publish order")
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	ctx := context.Background()
	assert.Error(t, b.Publish(ctx, "mission.1", NewEvent("orchestrator", "x", nil)))
	_, err := b.Subscribe("mission.1", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent("agent-1", "task_completed", map[string]interface{}{"task_id": "t1"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "agent-1", e.AgentID)
	assert.Equal(t, "task_completed", e.Type)
	assert.False(t, e.Timestamp.IsZero())
}
