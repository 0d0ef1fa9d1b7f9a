package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/model"
)

// Randomization selects how the next condition of a session is drawn.
type Randomization string

const (
	// RandomizeBlock draws every condition once per pass in random order.
	RandomizeBlock Randomization = "block"
	// RandomizeRandom draws uniformly with replacement.
	RandomizeRandom Randomization = "random"
	// RandomizeBias steers draws toward the probe chosen less often recently.
	RandomizeBias Randomization = "bias"
)

// BiasWindow is the length of the bias history.
const BiasWindow = 5

var (
	// ErrEmptyConditionSet is returned when a scheduler is built without conditions.
	ErrEmptyConditionSet = errors.New("condition set is empty")
	// ErrUnknownRandomization is returned for an unsupported policy name.
	ErrUnknownRandomization = errors.New("unknown randomization")
)

// ParseRandomization validates a configured policy name.
func ParseRandomization(s string) (Randomization, error) {
	switch r := Randomization(s); r {
	case RandomizeBlock, RandomizeRandom, RandomizeBias:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRandomization, s)
	}
}

// BiasHistory is a rolling window of the most recent outcome probes. A fresh
// or reset history holds no defined entries.
type BiasHistory struct {
	entries []model.ProbeID
}

// Push appends p, dropping the oldest entry beyond BiasWindow.
func (h *BiasHistory) Push(p model.ProbeID) {
	if !p.Valid() {
		return
	}
	h.entries = append(h.entries, p)
	if len(h.entries) > BiasWindow {
		h.entries = append([]model.ProbeID(nil), h.entries[len(h.entries)-BiasWindow:]...)
	}
}

// Reset clears every entry.
func (h *BiasHistory) Reset() { h.entries = nil }

// Empty reports whether no entry is defined.
func (h *BiasHistory) Empty() bool { return len(h.entries) == 0 }

// Values returns a copy of the entries, oldest first.
func (h *BiasHistory) Values() []model.ProbeID {
	return append([]model.ProbeID(nil), h.entries...)
}

// ConditionScheduler picks the condition index of each trial. It is used from
// the single trial goroutine and is not safe for concurrent use.
type ConditionScheduler struct {
	mode  Randomization
	set   *model.ConditionSet
	rng   *rand.Rand
	log   logging.Logger
	queue []int

	probes  []model.ProbeID
	history BiasHistory
}

// SchedulerOption customises ConditionScheduler construction.
type SchedulerOption func(*ConditionScheduler)

// WithRand injects the random source, mainly for deterministic tests.
func WithRand(r *rand.Rand) SchedulerOption {
	return func(s *ConditionScheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithSchedulerLogger attaches a logger used to report fallbacks.
func WithSchedulerLogger(l logging.Logger) SchedulerOption {
	return func(s *ConditionScheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// NewConditionScheduler builds a scheduler over set.
func NewConditionScheduler(mode Randomization, set *model.ConditionSet, opts ...SchedulerOption) (*ConditionScheduler, error) {
	if set.Len() == 0 {
		return nil, ErrEmptyConditionSet
	}
	if _, err := ParseRandomization(string(mode)); err != nil {
		return nil, err
	}
	s := &ConditionScheduler{
		mode:   mode,
		set:    set,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		log:    logging.Noop(),
		probes: set.DistinctProbes(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Mode returns the scheduling policy.
func (s *ConditionScheduler) Mode() Randomization { return s.mode }

// Next returns the index of the next condition.
func (s *ConditionScheduler) Next() int {
	switch s.mode {
	case RandomizeBlock:
		return s.nextBlock()
	case RandomizeBias:
		return s.nextBias()
	default:
		return s.uniform()
	}
}

func (s *ConditionScheduler) uniform() int {
	return s.rng.IntN(s.set.Len()) + 1
}

func (s *ConditionScheduler) nextBlock() int {
	if len(s.queue) == 0 {
		perm := s.rng.Perm(s.set.Len())
		s.queue = make([]int, len(perm))
		for i, p := range perm {
			s.queue[i] = p + 1
		}
	}
	idx := s.queue[0]
	s.queue = s.queue[1:]
	return idx
}

func (s *ConditionScheduler) nextBias() int {
	if len(s.probes) == 0 {
		return s.uniform()
	}
	if s.history.Empty() {
		for i := 0; i < BiasWindow; i++ {
			s.history.Push(s.probes[s.rng.IntN(len(s.probes))])
		}
		s.log.Debug(context.Background(), "initialized probe bias history",
			logging.Any("history", s.history.Values()))
		return s.uniform()
	}

	// The target is the lowest or highest distinct probe, so it always has
	// at least one condition.
	candidates := s.set.WithProbe(s.biasTarget())
	return candidates[s.rng.IntN(len(candidates))]
}

// biasTarget maps the history onto [0,1] between the lowest and highest probe
// and picks the high probe with probability 1 - mean(history).
func (s *ConditionScheduler) biasTarget() model.ProbeID {
	mn, mx := s.probes[0], s.probes[len(s.probes)-1]
	if mn == mx {
		return mn
	}

	hist := s.history.Values()
	norm := make([]float64, len(hist))
	for i, p := range hist {
		norm[i] = float64(p)
	}
	floats.AddConst(-float64(mn), norm)
	floats.Scale(1/float64(mx-mn), norm)

	p := 1 - stat.Mean(norm, nil)
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	if s.rng.Float64() < p {
		return mx
	}
	return mn
}

// Push records the probe of an issued reward or attempt outcome.
func (s *ConditionScheduler) Push(p model.ProbeID) { s.history.Push(p) }

// ResetBias clears the bias history, e.g. when the animal falls asleep.
func (s *ConditionScheduler) ResetBias() { s.history.Reset() }

// History returns the current bias history, oldest first.
func (s *ConditionScheduler) History() []model.ProbeID { return s.history.Values() }
