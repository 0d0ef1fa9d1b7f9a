package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/model"
)

// OdorPWMFrequency is the carrier frequency of odor valve PWM.
const OdorPWMFrequency = 20 * physic.Hertz

// GPIOConfig maps probes to pin names as understood by periph's gpioreg,
// e.g. "GPIO17".
type GPIOConfig struct {
	Lick   map[model.ProbeID]string
	Liquid map[model.ProbeID]string
	Air    map[model.ProbeID]string
	// Ready is the position sensor input; empty disables readiness.
	Ready string
	// Engage optionally drives the probe arm actuator.
	Engage string
}

// Pin is the subset of gpio.PinIO the backend uses.
type Pin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Out(l gpio.Level) error
	PWM(duty gpio.Duty, f physic.Frequency) error
	Halt() error
}

// PinResolver looks a pin up by name.
type PinResolver func(name string) (Pin, error)

var hostInit sync.Once

// HostPins resolves pins through periph's registry after initializing the
// host drivers.
func HostPins(name string) (Pin, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("periph host init: %w", initErr)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return p, nil
}

// GPIO drives the rig through direct digital I/O. Each lick input has its own
// edge-watching goroutine. The position input is watched on both edges, so a
// brief release restarts the hold, and is also read raw on every IsReady so
// missed edges are tolerated.
type GPIO struct {
	*base

	lick     map[model.ProbeID]Pin
	liquid   map[model.ProbeID]Pin
	air      map[model.ProbeID]Pin
	position Pin
	engage   Pin

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewGPIO configures every pin named in cfg and starts the edge watchers.
// A nil resolver uses HostPins.
func NewGPIO(ctx context.Context, cfg GPIOConfig, resolve PinResolver, opts Options) (*GPIO, error) {
	if resolve == nil {
		resolve = HostPins
	}
	g := &GPIO{
		lick:   make(map[model.ProbeID]Pin),
		liquid: make(map[model.ProbeID]Pin),
		air:    make(map[model.ProbeID]Pin),
	}

	resolveAll := func(names map[model.ProbeID]string, into map[model.ProbeID]Pin) error {
		for p, name := range names {
			if !p.Valid() {
				return fmt.Errorf("pin %q: %w", name, ErrUnknownProbe)
			}
			pin, err := resolve(name)
			if err != nil {
				return err
			}
			into[p] = pin
		}
		return nil
	}
	if err := resolveAll(cfg.Lick, g.lick); err != nil {
		return nil, err
	}
	if err := resolveAll(cfg.Liquid, g.liquid); err != nil {
		return nil, err
	}
	if err := resolveAll(cfg.Air, g.air); err != nil {
		return nil, err
	}
	if cfg.Ready != "" {
		pin, err := resolve(cfg.Ready)
		if err != nil {
			return nil, err
		}
		if err := pin.In(gpio.PullDown, gpio.BothEdges); err != nil {
			return nil, fmt.Errorf("configure ready pin: %w", err)
		}
		g.position = pin
	}
	if cfg.Engage != "" {
		pin, err := resolve(cfg.Engage)
		if err != nil {
			return nil, err
		}
		g.engage = pin
	}

	for _, outputs := range []map[model.ProbeID]Pin{g.liquid, g.air} {
		for p, pin := range outputs {
			if err := pin.Out(gpio.Low); err != nil {
				return nil, fmt.Errorf("configure output for probe %d: %w", p, err)
			}
		}
	}
	if g.engage != nil {
		if err := g.engage.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("configure engage pin: %w", err)
		}
	}
	for p, pin := range g.lick {
		if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			return nil, fmt.Errorf("configure lick pin for probe %d: %w", p, err)
		}
	}

	g.base = newBase(opts, "gpio", g)

	watchCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	for p, pin := range g.lick {
		g.wg.Add(1)
		go g.watch(watchCtx, p, pin)
	}
	if g.position != nil {
		g.wg.Add(1)
		go g.watchPosition(watchCtx)
	}

	g.log.Info(ctx, "gpio probe interface ready",
		logging.Int("lick_pins", len(g.lick)),
		logging.Bool("ready_pin", g.position != nil),
	)
	return g, nil
}

func (g *GPIO) watch(ctx context.Context, p model.ProbeID, pin Pin) {
	defer g.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if pin.WaitForEdge(100 * time.Millisecond) {
			if ctx.Err() != nil {
				return
			}
			g.onEdge(p, g.opts.Clock.Now())
		}
	}
}

func (g *GPIO) watchPosition(ctx context.Context) {
	defer g.wg.Done()
	for ctx.Err() == nil {
		if g.position.WaitForEdge(100*time.Millisecond) && ctx.Err() == nil {
			g.ready.restart(g.position.Read() == gpio.High, g.opts.Clock.Now())
		}
	}
}

func (g *GPIO) IsReady() (bool, time.Duration) {
	now := g.opts.Clock.Now()
	if g.position == nil {
		return false, 0
	}
	g.ready.update(g.position.Read() == gpio.High, now)
	return g.ready.get(now)
}

func (g *GPIO) supports(kind string) bool {
	switch kind {
	case KindLiquid:
		return len(g.liquid) > 0
	case KindAir, KindOdor:
		return len(g.air) > 0
	}
	return false
}

func (g *GPIO) pulse(kind string, p model.ProbeID, d time.Duration) error {
	outputs := g.liquid
	if kind == KindAir {
		outputs = g.air
	}
	pin, ok := outputs[p]
	if !ok {
		return fmt.Errorf("%s output for probe %d: %w", kind, p, ErrUnknownProbe)
	}
	if err := pin.Out(gpio.High); err != nil {
		return err
	}
	g.opts.Clock.Sleep(d)
	return pin.Out(gpio.Low)
}

// pwm drives an odor valve, wired to the air channel of the same index.
func (g *GPIO) pwm(p model.ProbeID, d time.Duration, dutyPercent float64) error {
	pin, ok := g.air[p]
	if !ok {
		return fmt.Errorf("odor output for probe %d: %w", p, ErrUnknownProbe)
	}
	if err := pin.PWM(dutyFromPercent(dutyPercent), OdorPWMFrequency); err != nil {
		return err
	}
	g.opts.Clock.Sleep(d)
	if err := pin.Halt(); err != nil {
		return err
	}
	return pin.Out(gpio.Low)
}

func dutyFromPercent(pct float64) gpio.Duty {
	switch {
	case pct <= 0:
		return 0
	case pct >= 100:
		return gpio.DutyMax
	}
	return gpio.Duty(float64(gpio.DutyMax) * pct / 100)
}

func (g *GPIO) Engage() error {
	if g.engage == nil {
		return nil
	}
	return g.engage.Out(gpio.High)
}

func (g *GPIO) Disengage() error {
	if g.engage == nil {
		return nil
	}
	return g.engage.Out(gpio.Low)
}

// Close stops the edge watchers, finishes the in-flight pulse and halts every
// pin.
func (g *GPIO) Close() error {
	var firstErr error
	g.closeOnce.Do(func() {
		g.cancel()
		for _, pin := range g.lick {
			if err := pin.Halt(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if g.position != nil {
			if err := g.position.Halt(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		g.wg.Wait()
		g.base.close()

		for _, outputs := range []map[model.ProbeID]Pin{g.liquid, g.air} {
			for _, pin := range outputs {
				if err := pin.Out(gpio.Low); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		if g.engage != nil {
			if err := g.engage.Out(gpio.Low); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
