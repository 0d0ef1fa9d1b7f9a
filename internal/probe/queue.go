package probe

import (
	"sync"
)

// ActuationQueue runs pulse jobs one at a time, in submission order, on a
// single worker goroutine. Submit never blocks on the hardware.
type ActuationQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewActuationQueue starts the worker.
func NewActuationQueue() *ActuationQueue {
	q := &ActuationQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit appends job to the queue.
func (q *ActuationQueue) Submit(job func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every job submitted before the call has run.
func (q *ActuationQueue) Flush() error {
	done := make(chan struct{})
	if err := q.Submit(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Len returns the number of jobs waiting to run.
func (q *ActuationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drops pending jobs and waits for the in-flight job, if any.
func (q *ActuationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}

func (q *ActuationQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			job, ok := q.pop()
			if !ok {
				break
			}
			job()
		}
	}
}

func (q *ActuationQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return nil, false
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return job, true
}
