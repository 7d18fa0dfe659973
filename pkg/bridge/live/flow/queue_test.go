package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Push([]byte("a"))
	q.Push([]byte("bb"))
	q.Push([]byte("ccc"))

	require.Equal(t, 3, q.Len())
	require.Equal(t, 6, q.Bytes())

	for _, want := range []string{"a", "bb", "ccc"} {
		frame, _, ok := q.Pop(context.Background(), time.Second)
		require.True(t, ok)
		assert.Equal(t, want, string(frame))
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopTimesOut(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	_, _, ok := q.Pop(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push([]byte("late"))
	}()

	frame, _, ok := q.Pop(context.Background(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", string(frame))
}

func TestQueue_PopReturnsOnCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, ok := q.Pop(ctx, 5*time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestQueue_DrainClearsAndAdvancesEpoch(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push([]byte{byte(i)})
	}
	before := q.Epoch()

	assert.Equal(t, 5, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Bytes())
	assert.Equal(t, before+1, q.Epoch())

	_, _, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Drain())
}

func TestQueue_ConcurrentProducersKeepEveryFrame(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push([]byte{1})
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, _, ok := q.Pop(context.Background(), 10*time.Millisecond); ok {
			got++
			continue
		}
		select {
		case <-done:
			if q.Len() == 0 {
				assert.Equal(t, producers*perProducer, got)
				return
			}
		default:
		}
	}
}
