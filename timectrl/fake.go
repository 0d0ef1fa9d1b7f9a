package timectrl

import (
	"fmt"
	"sync"
	"time"
)

// FakeClock is a test Clock that only moves when told to. Sleep advances the
// clock instead of blocking, and callbacks registered with At fire as the clock
// passes their time, which lets tests script sensor activity against a trial
// timeline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64

	// ordered by 'when' (earliest first)
	events []*fakeEvent
	index  map[string]*fakeEvent
}

type fakeEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// NewFakeClock creates a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{
		now:   start,
		index: make(map[string]*fakeEvent),
	}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the fake time by d and runs due callbacks.
func (c *FakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// At registers f to run once the clock reaches t.
func (c *FakeClock) At(t time.Time, f func()) (id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	id = fmt.Sprintf("fake-ev-%d", c.counter)
	ev := &fakeEvent{id: id, when: t, f: f}

	inserted := false
	for i, existing := range c.events {
		if t.Before(existing.when) {
			c.events = append(c.events[:i], append([]*fakeEvent{ev}, c.events[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		c.events = append(c.events, ev)
	}
	c.index[id] = ev
	return id
}

// Cancel drops a pending callback. Unknown ids are ignored.
func (c *FakeClock) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.index[id]; ok {
		ev.cancelled = true
		delete(c.index, id)
	}
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.AdvanceTo(c.Now().Add(d))
}

// AdvanceTo moves the clock to t, running every callback due on the way with
// the clock set to that callback's time. Time never goes backwards.
func (c *FakeClock) AdvanceTo(t time.Time) {
	for {
		c.mu.Lock()
		if len(c.events) == 0 || c.events[0].when.After(t) {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		ev := c.events[0]
		c.events = c.events[1:]
		if ev.cancelled {
			c.mu.Unlock()
			continue
		}
		delete(c.index, ev.id)
		if ev.when.After(c.now) {
			c.now = ev.when
		}
		callback := ev.f
		c.mu.Unlock()

		// Run outside the lock; callbacks may read the clock.
		if callback != nil {
			callback()
		}
	}
}
