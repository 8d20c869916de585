package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	for _, order := range []Order{FIFO, LIFO} {
		sem := New(2, order)
		var mu sync.Mutex
		current, max := 0, 0
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx := context.Background()
				if err := sem.Acquire(ctx); err != nil {
					t.Error(err)
					return
				}
				defer sem.Release()
				mu.Lock()
				current++
				if current > max {
					max = current
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
			}()
		}
		wg.Wait()
		if max > 2 {
			t.Fatalf("order %v: max concurrency %d exceeded capacity 2", order, max)
		}
	}
}

func TestSemaphoreAcquireRespectsCancellation(t *testing.T) {
	sem := New(1, FIFO)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err == nil {
		t.Fatalf("expected Acquire to fail while semaphore is held")
	}
}

func TestLIFOWakesMostRecentWaiterFirst(t *testing.T) {
	sem := New(1, LIFO)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	order := make(chan int, 2)
	var started sync.WaitGroup
	started.Add(2)
	go func() {
		started.Done()
		started.Wait()
		time.Sleep(5 * time.Millisecond)
		if err := sem.Acquire(context.Background()); err == nil {
			order <- 1
		}
	}()
	go func() {
		started.Done()
		started.Wait()
		time.Sleep(15 * time.Millisecond)
		if err := sem.Acquire(context.Background()); err == nil {
			order <- 2
		}
	}()
	time.Sleep(30 * time.Millisecond)
	sem.Release()
	first := <-order
	if first != 2 {
		t.Fatalf("LIFO semaphore should wake the most recently parked waiter first, got %d", first)
	}
}
