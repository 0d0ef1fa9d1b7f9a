package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/model"
)

// Actuation kinds, used as metric labels.
const (
	KindLiquid = "liquid"
	KindAir    = "air"
	KindOdor   = "odor"
)

// actuator is the backend-specific output stage. Methods run on the queue
// worker and may block for the pulse duration.
type actuator interface {
	supports(kind string) bool
	pulse(kind string, p model.ProbeID, d time.Duration) error
	pwm(p model.ProbeID, d time.Duration, dutyPercent float64) error
}

// readiness tracks the position sensor, restarting the hold timer on every
// transition.
type readiness struct {
	mu    sync.Mutex
	state model.ReadyState
}

func (r *readiness) update(raw bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Ready == raw {
		return
	}
	r.state = model.ReadyState{Ready: raw, Since: now}
}

// restart records a sensor edge. The level may already be back where it was,
// but the hold was interrupted either way.
func (r *readiness) restart(level bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = model.ReadyState{Ready: level, Since: now}
}

func (r *readiness) get(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Ready, r.state.HeldFor(now)
}

// base implements the backend-independent half of Interface.
type base struct {
	opts  Options
	log   logging.Logger
	latch *LickLatch
	queue *ActuationQueue
	ready readiness
	out   actuator

	created time.Time
}

func newBase(opts Options, name string, out actuator) *base {
	opts = opts.withDefaults()
	return &base{
		opts:    opts,
		log:     opts.Logger.With(logging.String("probe_backend", name)),
		latch:   NewLickLatch(opts.Debounce),
		queue:   NewActuationQueue(),
		out:     out,
		created: opts.Clock.Now(),
	}
}

// onEdge feeds a raw rising edge through the debounce latch.
func (b *base) onEdge(p model.ProbeID, at time.Time) {
	if !b.latch.Edge(p, at) {
		return
	}
	b.opts.Events.LogLick(p)
	b.opts.Metrics.IncLick(p)
}

func (b *base) DetectLick() model.ProbeID {
	return b.latch.Take()
}

func (b *base) InactivityTime() time.Duration {
	now := b.opts.Clock.Now()
	if last, ok := b.latch.LastLick(); ok {
		return now.Sub(last)
	}
	return now.Sub(b.created)
}

func (b *base) DeliverLiquid(p model.ProbeID, d time.Duration) error {
	if !p.Valid() {
		return fmt.Errorf("liquid on probe %d: %w", p, ErrUnknownProbe)
	}
	volume := 0.0
	if d == 0 {
		calibrated, err := b.opts.Calibrator.Duration(p)
		if err != nil {
			return fmt.Errorf("liquid on probe %d: %w", p, err)
		}
		d = calibrated
		volume = b.opts.Calibrator.Volume()
	}
	if err := b.submitPulse(KindLiquid, p, d); err != nil {
		return err
	}
	b.opts.Events.LogLiquid(p)
	b.opts.Metrics.IncReward(p, volume)
	return nil
}

func (b *base) DeliverAir(p model.ProbeID, d time.Duration) error {
	if !p.Valid() {
		return fmt.Errorf("air on probe %d: %w", p, ErrUnknownProbe)
	}
	if err := b.submitPulse(KindAir, p, d); err != nil {
		return err
	}
	b.opts.Events.LogAir(p)
	return nil
}

func (b *base) DeliverOdor(ids []model.ProbeID, durations []time.Duration, duty []float64) error {
	if len(durations) != len(ids) || len(duty) != len(ids) {
		return fmt.Errorf("odor: %d ids, %d durations, %d duty cycles", len(ids), len(durations), len(duty))
	}
	if !b.out.supports(KindOdor) {
		return fmt.Errorf("odor: %w", ErrUnsupported)
	}
	for i, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("odor on probe %d: %w", id, ErrUnknownProbe)
		}
		id, d, dc := id, durations[i], duty[i]
		err := b.queue.Submit(func() {
			start := time.Now()
			if err := b.out.pwm(id, d, dc); err != nil {
				b.log.Error(context.Background(), "odor delivery failed",
					logging.Int("probe", int(id)),
					logging.Err(err),
				)
				return
			}
			b.opts.Metrics.ObserveActuation(KindOdor, time.Since(start))
		})
		if err != nil {
			return err
		}
	}
	b.opts.Events.LogOdor(ids)
	return nil
}

func (b *base) submitPulse(kind string, p model.ProbeID, d time.Duration) error {
	if !b.out.supports(kind) {
		return fmt.Errorf("%s on probe %d: %w", kind, p, ErrUnsupported)
	}
	return b.queue.Submit(func() {
		start := time.Now()
		if err := b.out.pulse(kind, p, d); err != nil {
			b.log.Error(context.Background(), "actuation failed",
				logging.String("kind", kind),
				logging.Int("probe", int(p)),
				logging.Duration("duration", d),
				logging.Err(err),
			)
			return
		}
		b.opts.Metrics.ObserveActuation(kind, time.Since(start))
	})
}

// Flush waits until all queued actuations have run.
func (b *base) Flush() error {
	return b.queue.Flush()
}

func (b *base) close() {
	b.queue.Close()
}
