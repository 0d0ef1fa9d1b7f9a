package probe

import (
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/behavior-rig/model"
)

// LickLatch holds at most one pending lick per probe and applies the
// debounce window to incoming edges.
type LickLatch struct {
	mu       sync.Mutex
	debounce time.Duration

	lastAccepted map[model.ProbeID]time.Time
	pending      map[model.ProbeID]time.Time
	lastLick     time.Time
}

// NewLickLatch constructs a latch rejecting edges closer than debounce to the
// previous accepted edge on the same probe.
func NewLickLatch(debounce time.Duration) *LickLatch {
	return &LickLatch{
		debounce:     debounce,
		lastAccepted: make(map[model.ProbeID]time.Time),
		pending:      make(map[model.ProbeID]time.Time),
	}
}

// Edge records a rising edge on p at time at. It reports whether the edge was
// accepted; rejected edges are neither latched nor logged.
func (l *LickLatch) Edge(p model.ProbeID, at time.Time) bool {
	if !p.Valid() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastAccepted[p]; ok && at.Sub(last) < l.debounce {
		return false
	}
	l.lastAccepted[p] = at
	l.pending[p] = at
	if at.After(l.lastLick) {
		l.lastLick = at
	}
	return true
}

// Take consumes the pending lick of the lowest-numbered probe.
func (l *LickLatch) Take() model.ProbeID {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return model.NoProbe
	}
	probes := make([]model.ProbeID, 0, len(l.pending))
	for p := range l.pending {
		probes = append(probes, p)
	}
	sort.Slice(probes, func(i, j int) bool { return probes[i] < probes[j] })
	delete(l.pending, probes[0])
	return probes[0]
}

// Pending reports whether p has an unread lick.
func (l *LickLatch) Pending(p model.ProbeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[p]
	return ok
}

// LastLick returns the time of the most recent accepted edge on any probe.
func (l *LickLatch) LastLick() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLick, !l.lastLick.IsZero()
}
