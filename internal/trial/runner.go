package trial

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/observability"
	"github.com/signalsfoundry/behavior-rig/internal/session"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// HoldPollInterval is how often a held session checks for release.
const HoldPollInterval = time.Second

// Runner drives a Controller through the session loop for as long as the
// session is running or sleeping.
type Runner struct {
	ctrl   *Controller
	logger session.Logger
	clock  timectrl.Clock
	tick   time.Duration
	log    logging.Logger
	tracer trace.Tracer
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithTracer overrides the tracer used for trial spans.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithTick sets the pause between trial ticks.
func WithTick(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

// NewRunner wraps ctrl.
func NewRunner(ctrl *Controller, opts ...RunnerOption) *Runner {
	r := &Runner{
		ctrl:   ctrl,
		logger: ctrl.logger,
		clock:  ctrl.clock,
		tick:   ctrl.params.Tick,
		log:    ctrl.log,
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run prepares the controller and loops over trials while the session is
// running. Sleeping and hold states are waited out. It returns when the
// session state is anything else, or ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ctrl.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare session: %w", err)
	}
	r.log.Info(ctx, "session loop started",
		logging.Int("conditions", r.ctrl.conditions.Len()),
		logging.String("randomization", string(r.ctrl.params.Randomization)),
	)

	held := false
	trials := 0
	for ctx.Err() == nil {
		switch state := r.logger.SessionState(); state {
		case model.StateRunning:
			if held {
				r.ctrl.OnHold(ctx, true)
				held = false
			}
			r.runTrial(ctx, trials+1)
			trials++
		case model.StateSleeping:
			// Put to sleep from outside the trial loop; wait to be woken.
			r.ctrl.setPhase(PhaseSleeping)
			r.logger.Ping()
			r.clock.Sleep(SleepPollInterval)
		case model.StateHold:
			if !held {
				r.ctrl.OnHold(ctx, false)
				held = true
			}
			r.clock.Sleep(HoldPollInterval)
		default:
			r.ctrl.setPhase(PhaseIdle)
			r.log.Info(ctx, "session loop finished",
				logging.String("state", string(state)),
				logging.Int("trials", trials),
			)
			return nil
		}
	}
	r.ctrl.setPhase(PhaseIdle)
	return nil
}

func (r *Runner) runTrial(ctx context.Context, n int) {
	ctx, span := r.tracer.Start(logging.ContextWithTrial(ctx, n), "trial")
	defer span.End()

	if r.ctrl.PreTrial(ctx) {
		span.SetAttributes(attribute.String("trial.outcome", string(OutcomeAborted)))
		return
	}
	span.AddEvent("presenting", trace.WithAttributes(attribute.Int("trial.cond_idx", r.ctrl.condIdx)))
	for !r.ctrl.Trial(ctx) {
		r.clock.Sleep(r.tick)
	}
	r.ctrl.PostTrial(ctx)
	r.ctrl.InterTrial(ctx)

	res := r.ctrl.LastResult()
	span.SetAttributes(
		attribute.Int("trial.number", n),
		attribute.Int("trial.cond_idx", res.CondIdx),
		attribute.Int("trial.probe", int(res.Probe)),
		attribute.String("trial.outcome", string(res.Outcome)),
	)
	r.log.Debug(ctx, "trial finished",
		logging.Int("cond_idx", res.CondIdx),
		logging.String("outcome", string(res.Outcome)),
		logging.Duration("post_wait", res.PostWait),
	)
}
