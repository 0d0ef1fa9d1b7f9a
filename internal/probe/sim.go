package probe

import (
	"sync"
	"time"

	"github.com/signalsfoundry/behavior-rig/model"
)

// Actuation is one output pulse performed by the Sim backend.
type Actuation struct {
	Kind     string
	Probe    model.ProbeID
	Duration time.Duration
	Duty     float64
}

// Sim is a bench backend with no hardware. Sensor state is injected with
// Lick and SetReady; actuations are recorded instead of performed.
type Sim struct {
	*base

	mu         sync.Mutex
	actuations []Actuation
	engaged    bool
	closed     bool
}

// NewSim constructs a simulated probe interface.
func NewSim(opts Options) *Sim {
	s := &Sim{}
	s.base = newBase(opts, "sim", s)
	return s
}

// Lick injects a rising edge on p at the clock's current time.
func (s *Sim) Lick(p model.ProbeID) {
	s.onEdge(p, s.opts.Clock.Now())
}

// SetReady sets the position sensor.
func (s *Sim) SetReady(ready bool) {
	s.ready.update(ready, s.opts.Clock.Now())
}

func (s *Sim) IsReady() (bool, time.Duration) {
	return s.ready.get(s.opts.Clock.Now())
}

func (s *Sim) Engage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = true
	return nil
}

func (s *Sim) Disengage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
	return nil
}

// Engaged reports whether the probe arm is engaged.
func (s *Sim) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}

// Actuations returns a copy of every pulse performed so far.
func (s *Sim) Actuations() []Actuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Actuation(nil), s.actuations...)
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.close()
	return nil
}

func (s *Sim) supports(string) bool { return true }

func (s *Sim) pulse(kind string, p model.ProbeID, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuations = append(s.actuations, Actuation{Kind: kind, Probe: p, Duration: d, Duty: 100})
	return nil
}

func (s *Sim) pwm(p model.ProbeID, d time.Duration, dutyPercent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuations = append(s.actuations, Actuation{Kind: KindOdor, Probe: p, Duration: d, Duty: dutyPercent})
	return nil
}
