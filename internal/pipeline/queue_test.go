package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDropOldestKeepsNewest(t *testing.T) {
	q := NewQueue[int](2)

	var dropped []int
	onDrop := func(v int) { dropped = append(dropped, v) }

	q.PushDropOldest(1, onDrop)
	q.PushDropOldest(2, onDrop)
	q.PushDropOldest(3, onDrop)

	assert.Equal(t, []int{1}, dropped)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 0, q.Len())
}

func TestQueuePushBlocksUntilSpace(t *testing.T) {
	q := NewQueue[int](1)
	require.True(t, q.Push(context.Background(), 1))

	done := make(chan bool)
	go func() {
		done <- q.Push(context.Background(), 2)
	}()

	select {
	case <-done:
		t.Fatal("push returned while queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.Pop()
	require.True(t, ok)
	require.True(t, <-done)
}

func TestQueuePushUnblocksOnCancel(t *testing.T) {
	q := NewQueue[int](1)
	require.True(t, q.Push(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		done <- q.Push(ctx, 2)
	}()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("push did not unblock on cancellation")
	}
}

func TestQueueDrainReleasesPending(t *testing.T) {
	q := NewQueue[int](4)
	for i := 0; i < 3; i++ {
		require.True(t, q.Push(context.Background(), i))
	}

	var released []int
	q.Drain(func(v int) { released = append(released, v) })

	assert.Equal(t, []int{0, 1, 2}, released)
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopAfterClose(t *testing.T) {
	q := NewQueue[int](2)
	require.True(t, q.Push(context.Background(), 7))
	q.Close()

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = q.Pop()
	assert.False(t, ok)
}
