package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by every waiting loop on the rig. Components
// depend on this abstraction rather than the time package so tests can run
// trial scenarios deterministically on a FakeClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks the caller for d.
	Sleep(d time.Duration)
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Timer is a restartable stopwatch.
type Timer struct {
	clock Clock
	start time.Time
}

// NewTimer returns a timer started at the clock's current time.
func NewTimer(c Clock) *Timer {
	if c == nil {
		c = Real{}
	}
	return &Timer{clock: c, start: c.Now()}
}

// Start restarts the stopwatch.
func (t *Timer) Start() { t.start = t.clock.Now() }

// Elapsed returns the time since the last Start.
func (t *Timer) Elapsed() time.Duration { return t.clock.Now().Sub(t.start) }

// Started returns the time of the last Start.
func (t *Timer) Started() time.Time { return t.start }

// Poller invokes its listeners at a fixed cadence until stopped. It backs the
// hardware sensor-polling loop.
type Poller struct {
	mu       sync.RWMutex
	Interval time.Duration

	listeners []func(time.Time)
}

// NewPoller constructs a poller ticking every interval.
func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Poller{Interval: interval}
}

// AddListener registers a callback invoked on every tick.
func (p *Poller) AddListener(fn func(time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Start runs the poller in a separate goroutine until ctx is cancelled.
// It returns a channel that is closed when the poller has stopped.
func (p *Poller) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				p.mu.RLock()
				listeners := p.listeners
				p.mu.RUnlock()
				for _, fn := range listeners {
					fn(now)
				}
			}
		}
	}()
	return done
}
