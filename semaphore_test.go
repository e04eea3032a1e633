package sessionpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreFIFO(t *testing.T) {
	s := newSemaphore()
	require.NoError(t, s.Acquire(context.Background()))

	const n = 10
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			s.Release()
		}()
		// Queue the waiters one at a time so their arrival order is known.
		require.Eventually(t, func() bool { return s.Waiting() == i+1 }, time.Second, time.Millisecond)
	}

	s.Release()
	wg.Wait()

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestSemaphoreMutualExclusion(t *testing.T) {
	s := newSemaphore()
	var (
		inside  int
		maxSeen int
		wg      sync.WaitGroup
		mu      sync.Mutex
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				assert.NoError(t, s.Acquire(context.Background()))
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				s.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.True(t, s.TryAcquire(), "semaphore must be free after all releases")
}

func TestSemaphoreCancelledWaiterSkipped(t *testing.T) {
	s := newSemaphore()
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() { cancelled <- s.Acquire(ctx) }()
	require.Eventually(t, func() bool { return s.Waiting() == 1 }, time.Second, time.Millisecond)

	acquired := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background())
		close(acquired)
	}()
	require.Eventually(t, func() bool { return s.Waiting() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 1, s.Waiting(), "a waiter that gave up must not be counted")

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("live waiter was not handed the semaphore")
	}
	assert.Equal(t, 0, s.Waiting())
	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestSemaphoreAcquireWithDoneContext(t *testing.T) {
	s := newSemaphore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Acquire(ctx), context.Canceled)
	assert.True(t, s.TryAcquire(), "a failed acquire must not take the semaphore")
}

func TestSemaphoreTryAcquire(t *testing.T) {
	s := newSemaphore()
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestSemaphoreReleaseUnheldPanics(t *testing.T) {
	s := newSemaphore()
	assert.Panics(t, s.Release)
}
