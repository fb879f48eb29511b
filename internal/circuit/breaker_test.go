package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerSerializes(t *testing.T) {
	b := New("serial", Config{MaxConcurrent: 1, MaxQueueSize: 100, QueueTimeout: 5 * time.Second})

	var inFlight, maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, b.Acquire(context.Background())) {
				return
			}
			defer b.Release()

			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	stats := b.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Waiting)
}

func TestBreakerQueueFull(t *testing.T) {
	b := New("full", Config{MaxConcurrent: 1, MaxQueueSize: 0, QueueTimeout: time.Second})

	require.NoError(t, b.Acquire(context.Background()))
	assert.ErrorIs(t, b.Acquire(context.Background()), ErrQueueFull)

	b.Release()
	require.NoError(t, b.Acquire(context.Background()))
	b.Release()
}

func TestBreakerQueueTimeout(t *testing.T) {
	b := New("timeout", Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 20 * time.Millisecond})

	require.NoError(t, b.Acquire(context.Background()))
	assert.ErrorIs(t, b.Acquire(context.Background()), ErrQueueTimeout)
	assert.Equal(t, 0, b.Stats().Waiting)

	b.Release()
	assert.Equal(t, 0, b.Stats().Active)
}

func TestBreakerContextCancel(t *testing.T) {
	b := New("cancel", Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: time.Minute})
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()

	require.Eventually(t, func() bool { return b.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	b.Release()
	assert.Equal(t, Stats{MaxCapacity: 1, MaxQueue: 1}, b.Stats())
}

func TestBreakerHandsSlotToWaiterInOrder(t *testing.T) {
	b := New("fifo", Config{MaxConcurrent: 1, MaxQueueSize: 2, QueueTimeout: time.Minute})
	require.NoError(t, b.Acquire(context.Background()))

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			assert.NoError(t, b.Acquire(context.Background()))
			order <- i
			b.Release()
		}()
		require.Eventually(t, func() bool { return b.Stats().Waiting == i }, time.Second, time.Millisecond)
	}

	b.Release()
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
	require.Eventually(t, func() bool { return b.Stats().Active == 0 }, time.Second, time.Millisecond)
}
