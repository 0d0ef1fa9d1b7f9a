package probe

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestActuationQueueFIFO(t *testing.T) {
	q := NewActuationQueue()
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := range 50 {
		if err := q.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Fatalf("ran %d jobs, want 50", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestActuationQueueSingleWorker(t *testing.T) {
	q := NewActuationQueue()
	defer q.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	for range 10 {
		_ = q.Submit(func() {
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if maxSeen != 1 {
		t.Fatalf("observed %d concurrent jobs, want 1", maxSeen)
	}
}

func TestActuationQueueCloseDropsPending(t *testing.T) {
	q := NewActuationQueue()

	started := make(chan struct{})
	release := make(chan struct{})
	var ranSecond, finishedFirst bool
	_ = q.Submit(func() {
		close(started)
		<-release
		finishedFirst = true
	})
	_ = q.Submit(func() { ranSecond = true })
	<-started

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Close returned before the in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed

	if !finishedFirst {
		t.Fatalf("in-flight job should complete")
	}
	if ranSecond {
		t.Fatalf("pending job should be dropped on Close")
	}
	if err := q.Submit(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close = %v, want ErrClosed", err)
	}
	if err := q.Flush(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Flush after Close = %v, want ErrClosed", err)
	}
	q.Close()
}
