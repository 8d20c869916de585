// Package syncutil holds the concurrency primitives the backup
// controller uses to bound parallelism: a counting semaphore with a
// configurable wake order, and an all-or-nothing joiner that cancels
// siblings on first failure (spec §5, §7.7).
package syncutil

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Order selects how a Semaphore wakes parked acquirers.
type Order int

const (
	// FIFO wakes waiters in arrival order -- the fair default.
	FIFO Order = iota
	// LIFO wakes the most recently parked waiter first, which keeps a
	// tree walk depth-first and the in-memory scan front narrow (spec
	// §5, "used to keep the scan depth-first").
	LIFO
)

// Semaphore is a counting semaphore bounding concurrent access to a
// resource (here: open files / in-flight hashes during a tree walk).
type Semaphore interface {
	// Acquire blocks until a permit is available or ctx is done.
	Acquire(ctx context.Context) error
	// Release returns a permit, waking exactly one parked acquirer if
	// any are waiting.
	Release()
}

// New builds a Semaphore with the given capacity and wake order.
func New(capacity int, order Order) Semaphore {
	if order == LIFO {
		return &lifoSemaphore{capacity: int64(capacity)}
	}
	// FIFO is wired directly onto golang.org/x/sync/semaphore.Weighted,
	// which already implements fair (queue-order) wakeups with weight 1
	// per acquire.
	return &fifoSemaphore{w: semaphore.NewWeighted(int64(capacity))}
}

type fifoSemaphore struct {
	w *semaphore.Weighted
}

func (f *fifoSemaphore) Acquire(ctx context.Context) error {
	return f.w.Acquire(ctx, 1)
}

func (f *fifoSemaphore) Release() {
	f.w.Release(1)
}

// lifoSemaphore mirrors golang.org/x/sync/semaphore.Weighted's
// implementation almost exactly, but parks waiters so the most recently
// arrived one is granted a freed permit first.
type lifoSemaphore struct {
	capacity int64

	mu      sync.Mutex
	cur     int64
	waiters list.List // of *lifoWaiter
}

type lifoWaiter struct {
	ready chan struct{}
}

func (s *lifoSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.capacity-s.cur > 0 && s.waiters.Len() == 0 {
		s.cur++
		s.mu.Unlock()
		return nil
	}
	w := &lifoWaiter{ready: make(chan struct{})}
	// LIFO: park at the front so the next Release wakes the
	// most-recently-arrived waiter, not the oldest.
	elem := s.waiters.PushFront(w)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		err := ctx.Err()
		s.mu.Lock()
		select {
		case <-w.ready:
			// Granted the permit concurrently with our cancellation; a
			// cancelled-but-granted waiter must release it so someone
			// else can proceed (spec §5, "fair semaphore").
			if front := s.waiters.Front(); front != nil {
				close(s.waiters.Remove(front).(*lifoWaiter).ready)
			} else {
				s.cur--
			}
		default:
			s.waiters.Remove(elem)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return nil
	case <-w.ready:
		return nil
	}
}

func (s *lifoSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if front := s.waiters.Front(); front != nil {
		w := s.waiters.Remove(front).(*lifoWaiter)
		close(w.ready)
		return
	}
	s.cur--
	if s.cur < 0 {
		panic("syncutil: released more than held")
	}
}
