package probe

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Interlock is the busy flag guarding a hardware channel shared by the
// sensor poller and pulse actuation. The poller never waits: it skips the
// tick when the flag is held. Actuation spins until the flag is free.
type Interlock struct {
	busy    atomic.Bool
	timeout time.Duration
	metrics MetricsRecorder
}

// NewInterlock returns a free interlock. A positive timeout bounds Acquire;
// zero makes it wait indefinitely.
func NewInterlock(timeout time.Duration, metrics MetricsRecorder) *Interlock {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Interlock{timeout: timeout, metrics: metrics}
}

// TryAcquire takes the flag if it is free. Used by the poller.
func (l *Interlock) TryAcquire() bool {
	if l.busy.CompareAndSwap(false, true) {
		return true
	}
	l.metrics.IncInterlockSkip()
	return false
}

// Acquire spin-waits for the flag.
func (l *Interlock) Acquire() error {
	start := time.Now()
	for !l.busy.CompareAndSwap(false, true) {
		if l.timeout > 0 && time.Since(start) > l.timeout {
			l.metrics.IncInterlockTimeout()
			return fmt.Errorf("%w after %s", ErrInterlockTimeout, l.timeout)
		}
		runtime.Gosched()
	}
	l.metrics.ObserveInterlockWait(time.Since(start))
	return nil
}

// Release clears the flag.
func (l *Interlock) Release() {
	l.busy.Store(false)
}

// Busy reports whether the flag is currently held.
func (l *Interlock) Busy() bool {
	return l.busy.Load()
}
