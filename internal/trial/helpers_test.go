package trial

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/internal/session"
	"github.com/signalsfoundry/behavior-rig/internal/stimulus"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// fakeSession is an in-memory session.Logger.
type fakeSession struct {
	mu         sync.Mutex
	state      model.SessionState
	states     []model.SessionState
	pings      int
	trials     []int
	logged     int
	conditions int
}

var _ session.Logger = (*fakeSession)(nil)

func newFakeSession(state model.SessionState) *fakeSession {
	return &fakeSession{state: state}
}

func (f *fakeSession) LogSession(session.Info) string { return "test-session" }

func (f *fakeSession) LogConditions(set *model.ConditionSet, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditions = set.Len()
}

func (f *fakeSession) StartTrial(condIdx int) model.TrialKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trials = append(f.trials, condIdx)
	return model.TrialKey{TrialIdx: len(f.trials), CondIdx: condIdx}
}

func (f *fakeSession) LogTrial(int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged++
}

func (f *fakeSession) LogLick(model.ProbeID)   {}
func (f *fakeSession) LogLiquid(model.ProbeID) {}
func (f *fakeSession) LogAir(model.ProbeID)    {}
func (f *fakeSession) LogOdor([]model.ProbeID) {}

func (f *fakeSession) SessionState() model.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) SetSessionState(s model.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == s {
		return
	}
	f.state = s
	f.states = append(f.states, s)
}

func (f *fakeSession) Ping() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
}

func (f *fakeSession) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeSession) transitions() []model.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SessionState(nil), f.states...)
}

// blankingStimulus records every background change.
type blankingStimulus struct {
	*stimulus.NoStimulus
	unshows  []stimulus.Color
	presents int
}

func (s *blankingStimulus) Unshow(c stimulus.Color) {
	s.unshows = append(s.unshows, c)
	s.NoStimulus.Unshow(c)
}

func (s *blankingStimulus) PresentTrial(ctx context.Context) {
	s.presents++
	s.NoStimulus.PresentTrial(ctx)
}

type countingMetrics struct {
	punishments map[string]int
	trials      map[string]int
}

func (m *countingMetrics) IncPunishment(reason string) { m.punishments[reason]++ }
func (m *countingMetrics) IncTrial(outcome string)     { m.trials[outcome]++ }

type rig struct {
	start   time.Time
	clock   *timectrl.FakeClock
	sim     *probe.Sim
	sess    *fakeSession
	stim    *blankingStimulus
	metrics *countingMetrics
	ctrl    *Controller
}

var testParams = Params{
	Randomization:    core.RandomizeBlock,
	AirpuffDuration:  100 * time.Millisecond,
	Timeout:          2 * time.Second,
	SilenceThreshold: 2 * time.Second,
	ReadyWait:        300 * time.Millisecond,
	TrialWait:        500 * time.Millisecond,
	Tick:             10 * time.Millisecond,
}

func newRig(t *testing.T, policy Policy, params Params, conds ...map[string]any) *rig {
	t.Helper()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timectrl.NewFakeClock(start)

	var curves []model.CalibrationCurve
	for _, p := range []model.ProbeID{1, 2} {
		curves = append(curves, model.CalibrationCurve{
			Probe: p,
			Date:  "2024-01-01",
			Samples: []model.CalibrationSample{
				{Setup: "rig1", Probe: p, Date: "2024-01-01", PulseDuration: 20 * time.Millisecond, PulseCount: 100, Weight: 0.2},
				{Setup: "rig1", Probe: p, Date: "2024-01-01", PulseDuration: 40 * time.Millisecond, PulseCount: 100, Weight: 0.4},
			},
		})
	}
	cal, err := core.NewPulseCalibrator(curves, 0.003)
	if err != nil {
		t.Fatalf("NewPulseCalibrator: %v", err)
	}

	sim := probe.NewSim(probe.Options{Clock: clock, Calibrator: cal})
	t.Cleanup(func() { _ = sim.Close() })

	sess := newFakeSession(model.StateRunning)
	stim := &blankingStimulus{NoStimulus: stimulus.NewNoStimulus(stimulus.Deps{Logger: sess})}
	metrics := &countingMetrics{punishments: map[string]int{}, trials: map[string]int{}}

	set, err := model.NewConditionSet(conds)
	if err != nil {
		t.Fatalf("NewConditionSet: %v", err)
	}
	ctrl, err := NewController(policy, params, set, Deps{
		Logger:   sess,
		Probe:    sim,
		Stimulus: stim,
		Clock:    clock,
		Metrics:  metrics,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := ctrl.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return &rig{start: start, clock: clock, sim: sim, sess: sess, stim: stim, metrics: metrics, ctrl: ctrl}
}

func (r *rig) at(offset time.Duration, f func()) {
	r.clock.At(r.start.Add(offset), f)
}

func (r *rig) elapsed() time.Duration {
	return r.clock.Now().Sub(r.start)
}

// runTrial ticks Trial until it ends, failing after limit ticks.
func (r *rig) runTrial(t *testing.T, ctx context.Context, limit int) {
	t.Helper()
	for i := 0; !r.ctrl.Trial(ctx); i++ {
		if i >= limit {
			t.Fatalf("trial did not end after %d ticks (phase %s)", limit, r.ctrl.Phase())
		}
		r.clock.Sleep(r.ctrl.params.Tick)
	}
}

func (r *rig) actuations(t *testing.T) []probe.Actuation {
	t.Helper()
	if err := r.sim.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return r.sim.Actuations()
}
