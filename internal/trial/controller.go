// Package trial runs behavioral trials: it picks conditions, watches the lick
// and position sensors and resolves every trial into a reward or punishment.
package trial

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/observability"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/internal/session"
	"github.com/signalsfoundry/behavior-rig/internal/stimulus"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// Polling cadences of the waiting loops.
const (
	ReadyPollInterval     = 20 * time.Millisecond
	KeepAliveInterval     = 5 * time.Second
	PostTrialPollInterval = 500 * time.Millisecond
	SleepPollInterval     = time.Second
	DefaultTick           = 10 * time.Millisecond
)

// Phase is the controller's position in the trial cycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhasePreparing        Phase = "preparing"
	PhaseAwaitingReady    Phase = "awaiting_ready"
	PhasePresenting       Phase = "presenting"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseReward           Phase = "reward"
	PhasePunish           Phase = "punish"
	PhasePostTrialWait    Phase = "post_trial_wait"
	PhaseInterTrial       Phase = "inter_trial"
	PhaseSleeping         Phase = "sleeping"
)

// Outcome is how a trial ended.
type Outcome string

const (
	OutcomeReward     Outcome = observability.OutcomeReward
	OutcomePunish     Outcome = observability.OutcomePunish
	OutcomeNoResponse Outcome = observability.OutcomeNoLick
	OutcomeAborted    Outcome = observability.OutcomeAborted
)

// Result summarizes the last trial.
type Result struct {
	CondIdx  int
	Probe    model.ProbeID
	Outcome  Outcome
	Reason   string
	PostWait time.Duration
}

// Params are the session's timing windows.
type Params struct {
	Randomization    core.Randomization
	AirpuffDuration  time.Duration
	Timeout          time.Duration
	SilenceThreshold time.Duration
	ReadyWait        time.Duration
	TrialWait        time.Duration
	// Tick paces the loops that keep presenting the stimulus.
	Tick time.Duration
}

// Metrics receives trial counters.
type Metrics interface {
	IncPunishment(reason string)
	IncTrial(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncPunishment(string) {}
func (noopMetrics) IncTrial(string)      {}

// Deps are the controller's collaborators.
type Deps struct {
	Logger   session.Logger
	Probe    probe.Interface
	Stimulus stimulus.Stimulus
	Clock    timectrl.Clock
	Log      logging.Logger
	Metrics  Metrics
	// Rand seeds the condition scheduler; nil uses a random seed.
	Rand *rand.Rand
}

// Controller is the per-session trial state machine. Its trial operations
// run on a single goroutine; Phase and LastResult may be read concurrently.
type Controller struct {
	policy     Policy
	params     Params
	conditions *model.ConditionSet

	logger  session.Logger
	probe   probe.Interface
	stim    stimulus.Stimulus
	clock   timectrl.Clock
	log     logging.Logger
	metrics Metrics
	rng     *rand.Rand

	sched *core.ConditionScheduler
	// timer measures the trial and is restarted by licks between trials.
	timer *timectrl.Timer

	condIdx     int
	rewardProbe model.ProbeID
	respReady   bool
	responded   bool
	postWait    time.Duration
	current     Result

	mu    sync.RWMutex
	phase Phase
	last  Result
}

// NewController builds a controller. Prepare must run before the first trial.
func NewController(policy Policy, params Params, conditions *model.ConditionSet, deps Deps) (*Controller, error) {
	if deps.Logger == nil {
		return nil, errors.New("trial: session logger is required")
	}
	if deps.Probe == nil {
		return nil, errors.New("trial: probe interface is required")
	}
	if deps.Stimulus == nil {
		return nil, errors.New("trial: stimulus is required")
	}
	if conditions.Len() == 0 {
		return nil, core.ErrEmptyConditionSet
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.Real{}
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if params.Tick <= 0 {
		params.Tick = DefaultTick
	}
	if params.Randomization == "" {
		params.Randomization = core.RandomizeBlock
	}
	return &Controller{
		policy:     policy,
		params:     params,
		conditions: conditions,
		logger:     deps.Logger,
		probe:      deps.Probe,
		stim:       deps.Stimulus,
		clock:      deps.Clock,
		log:        deps.Log,
		metrics:    deps.Metrics,
		rng:        deps.Rand,
		timer:      timectrl.NewTimer(deps.Clock),
		phase:      PhaseIdle,
	}, nil
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// LastResult returns the result of the last completed trial.
func (c *Controller) LastResult() Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy { return c.policy }

// TrialStart returns when the response timer was last restarted.
func (c *Controller) TrialStart() time.Time { return c.timer.Started() }

// BiasHistory returns the scheduler's bias history.
func (c *Controller) BiasHistory() []model.ProbeID {
	if c.sched == nil {
		return nil
	}
	return c.sched.History()
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) running() bool {
	return c.logger.SessionState() == model.StateRunning
}

// Prepare logs the condition table, readies the stimulus and builds the
// scheduler.
func (c *Controller) Prepare(ctx context.Context) error {
	c.setPhase(PhasePreparing)
	c.logger.LogConditions(c.conditions, c.stim.ConditionTable())
	if err := c.stim.Setup(ctx); err != nil {
		return fmt.Errorf("stimulus setup: %w", err)
	}
	if err := c.stim.Prepare(ctx, c.conditions); err != nil {
		return fmt.Errorf("stimulus prepare: %w", err)
	}
	sched, err := core.NewConditionScheduler(c.params.Randomization, c.conditions,
		core.WithRand(c.rng),
		core.WithSchedulerLogger(c.log),
	)
	if err != nil {
		return fmt.Errorf("condition scheduler: %w", err)
	}
	c.sched = sched
	c.timer.Start()
	c.setPhase(PhaseIdle)
	return nil
}

// PreTrial picks the next condition and, when the policy gates on readiness,
// waits for the animal to hold position. It returns true when the trial
// should not start.
func (c *Controller) PreTrial(ctx context.Context) bool {
	if c.sched == nil {
		c.log.Error(ctx, "pre-trial before prepare")
		return true
	}
	if ctx.Err() != nil || !c.running() {
		c.current = Result{Outcome: OutcomeAborted}
		c.finish()
		return true
	}
	c.condIdx = c.sched.Next()
	c.rewardProbe = c.conditions.Probe(c.condIdx)
	c.respReady = false
	c.responded = false
	c.postWait = 0
	c.current = Result{CondIdx: c.condIdx, Outcome: OutcomeNoResponse}

	if c.policy.GateOnReady {
		c.setPhase(PhaseAwaitingReady)
		if c.awaitReady(ctx) {
			c.current.Outcome = OutcomeAborted
			c.finish()
			return true
		}
	}
	if ctx.Err() != nil {
		c.current.Outcome = OutcomeAborted
		c.finish()
		return true
	}

	if err := c.stim.InitTrial(ctx, c.condIdx); err != nil {
		c.log.Warn(ctx, "stimulus init failed",
			logging.Int("cond_idx", c.condIdx),
			logging.Err(err),
		)
	}
	// Drop licks from before the trial, on every probe.
	for c.probe.DetectLick().Valid() {
	}
	c.timer.Start()
	c.setPhase(PhasePresenting)
	return false
}

// awaitReady polls the position sensor until it has been held for the ready
// wait, pinging the session every KeepAliveInterval. It returns true if the
// session stopped running first.
func (c *Controller) awaitReady(ctx context.Context) bool {
	wait := timectrl.NewTimer(c.clock)
	ready, held := c.probe.IsReady()
	for c.running() && (!ready || held < c.params.ReadyWait) {
		if ctx.Err() != nil {
			return true
		}
		c.clock.Sleep(ReadyPollInterval)
		if wait.Elapsed() > KeepAliveInterval {
			c.logger.Ping()
			wait.Start()
		}
		ready, held = c.probe.IsReady()
	}
	return !c.running()
}

// Trial runs one responsive tick and returns true when the trial is over.
func (c *Controller) Trial(ctx context.Context) bool {
	if ctx.Err() != nil || !c.running() {
		if c.current.Outcome == OutcomeNoResponse {
			c.current.Outcome = OutcomeAborted
		}
		return true
	}
	c.stim.PresentTrial(ctx)
	lick := c.probe.DetectLick()

	switch {
	case c.policy.Passive:
		return c.timer.Elapsed() >= c.params.TrialWait
	case c.policy.EndOnLick:
		if !lick.Valid() {
			return false
		}
		c.reward(ctx, lick)
		return true
	case c.policy.HoldDelay:
		return c.delayedResponse(ctx, lick)
	default:
		return c.immediateResponse(ctx, lick)
	}
}

func (c *Controller) immediateResponse(ctx context.Context, lick model.ProbeID) bool {
	if !lick.Valid() || c.responded {
		return false
	}
	c.responded = true
	if c.policy.TrackBias {
		c.sched.Push(lick)
	}
	if c.policy.Discriminate && lick != c.rewardProbe {
		c.punish(ctx, lick, c.punishReason())
		return true
	}
	c.reward(ctx, lick)
	if c.policy.RewardGrace > 0 {
		grace := timectrl.NewTimer(c.clock)
		for grace.Elapsed() < c.policy.RewardGrace && ctx.Err() == nil {
			c.stim.PresentTrial(ctx)
			c.clock.Sleep(c.params.Tick)
		}
	}
	return true
}

func (c *Controller) delayedResponse(ctx context.Context, lick model.ProbeID) bool {
	ready, held := c.probe.IsReady()
	elapsed := c.timer.Elapsed()
	if !c.respReady && elapsed >= c.params.TrialWait {
		c.respReady = true
		c.setPhase(PhaseAwaitingResponse)
	} else if !c.respReady && (!ready || held < elapsed) {
		// A hold shorter than the trial means the position was left and
		// regained since the trial started.
		c.punish(ctx, lick, observability.PunishPremature)
		return true
	}
	if !lick.Valid() || !c.respReady {
		return false
	}
	if c.policy.Discriminate && lick != c.rewardProbe {
		c.punish(ctx, lick, c.punishReason())
	} else {
		c.reward(ctx, lick)
	}
	if c.policy.TrackBias {
		c.sched.Push(lick)
	}
	c.respReady = false
	return true
}

func (c *Controller) punishReason() string {
	if c.policy.AirPunish {
		return observability.PunishAir
	}
	return observability.PunishTimeout
}

func (c *Controller) reward(ctx context.Context, p model.ProbeID) {
	c.setPhase(PhaseReward)
	c.current.Probe = p
	c.current.Outcome = OutcomeReward
	if err := c.probe.DeliverLiquid(p, 0); err != nil {
		c.log.Error(ctx, "reward delivery failed",
			logging.Int("probe", int(p)),
			logging.Err(err),
		)
	}
}

func (c *Controller) punish(ctx context.Context, p model.ProbeID, reason string) {
	c.setPhase(PhasePunish)
	c.current.Probe = p
	c.current.Outcome = OutcomePunish
	c.current.Reason = reason
	c.metrics.IncPunishment(reason)
	if c.policy.AirPunish && p.Valid() {
		if err := c.probe.DeliverAir(p, c.params.AirpuffDuration); err != nil {
			c.log.Error(ctx, "air puff failed",
				logging.Int("probe", int(p)),
				logging.Err(err),
			)
		}
	}
	c.postWait = c.params.Timeout
}

// PostTrial stops the stimulus and serves any punishment timeout with the
// display blanked. The background is always restored.
func (c *Controller) PostTrial(ctx context.Context) {
	c.stim.StopTrial(ctx)
	c.responded = false
	c.setPhase(PhasePostTrialWait)

	wait := timectrl.NewTimer(c.clock)
	if c.postWait > 0 {
		c.stim.Unshow(stimulus.Black)
	}
	for wait.Elapsed() < c.postWait && c.running() && ctx.Err() == nil {
		c.clock.Sleep(PostTrialPollInterval)
	}
	c.current.PostWait = c.postWait
	c.postWait = 0
	c.stim.Unshow(stimulus.Background)
	c.finish()
}

func (c *Controller) finish() {
	c.metrics.IncTrial(string(c.current.Outcome))
	c.mu.Lock()
	c.last = c.current
	c.mu.Unlock()
}

// InterTrial restarts the response timer on a lick. With SleepOnSilence, a
// running session that saw no lick for the silence threshold goes to sleep
// until the next lick or an external state change.
func (c *Controller) InterTrial(ctx context.Context) {
	c.setPhase(PhaseInterTrial)
	if c.probe.DetectLick().Valid() {
		c.timer.Start()
		return
	}
	if !c.policy.SleepOnSilence {
		return
	}
	if c.probe.InactivityTime() <= c.params.SilenceThreshold || !c.running() {
		return
	}

	c.log.Info(ctx, "no licks, going to sleep",
		logging.Duration("inactivity", c.probe.InactivityTime()),
	)
	c.logger.SetSessionState(model.StateSleeping)
	c.setPhase(PhaseSleeping)
	c.stim.Unshow(stimulus.Black)
	c.sched.ResetBias()
	for !c.probe.DetectLick().Valid() &&
		c.logger.SessionState() == model.StateSleeping &&
		ctx.Err() == nil {
		c.logger.Ping()
		c.clock.Sleep(SleepPollInterval)
	}
	c.stim.Unshow(stimulus.Background)
	if c.logger.SessionState() == model.StateSleeping {
		c.logger.SetSessionState(model.StateRunning)
		c.timer.Start()
		c.log.Info(ctx, "woke up")
	}
	c.setPhase(PhaseInterTrial)
}

// OnHold moves the probe out of position when active is false. On engage the
// probe moves back in and probe 1 is rewarded if it was licked meanwhile.
func (c *Controller) OnHold(ctx context.Context, active bool) {
	if !c.policy.EngageOnHold {
		return
	}
	if !active {
		if err := c.probe.Disengage(); err != nil {
			c.log.Error(ctx, "disengage failed", logging.Err(err))
		}
		return
	}
	if err := c.probe.Engage(); err != nil {
		c.log.Error(ctx, "engage failed", logging.Err(err))
		return
	}
	if c.probe.DetectLick() == 1 {
		if err := c.probe.DeliverLiquid(1, 0); err != nil {
			c.log.Error(ctx, "reward delivery failed", logging.Int("probe", 1), logging.Err(err))
		}
	}
}
