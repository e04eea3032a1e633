package sessionpool

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// semaphore is a binary semaphore with FIFO hand-off, modeled after
// golang.org/x/sync/semaphore with a fixed weight of one. Ownership passes
// directly from Release to the oldest waiting Acquire, so a steady stream of
// new callers can never overtake queued ones.
type semaphore struct {
	mu      sync.Mutex
	held    bool
	waiters *queue.Queue // of *waiter
	live    int          // queued waiters that have not given up
}

type waiter struct {
	ready     chan struct{} // closed when ownership is handed over
	abandoned bool
}

func newSemaphore() *semaphore {
	return &semaphore{waiters: queue.New()}
}

// Acquire blocks until the semaphore is owned by the caller or ctx is done.
func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.held && s.waiters.Length() == 0 {
		s.held = true
		s.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	s.waiters.Add(w)
	s.live++
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Handed over concurrently with the cancellation; give it back.
			s.mu.Unlock()
			s.Release()
		default:
			w.abandoned = true
			s.live--
			s.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryAcquire takes the semaphore only if it is free and nobody is queued.
func (s *semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held || s.waiters.Length() > 0 {
		return false
	}
	s.held = true
	return true
}

// Release hands the semaphore to the next live waiter or marks it free.
// Releasing a semaphore that is not held is a programming error and panics.
func (s *semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		panic("sessionpool: semaphore released while not held")
	}
	for s.waiters.Length() > 0 {
		w := s.waiters.Remove().(*waiter)
		if w.abandoned {
			continue
		}
		s.live--
		close(w.ready)
		return
	}
	s.held = false
}

// Waiting returns the number of callers blocked in Acquire.
func (s *semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}
