// Package stimulus holds the stimulus backends a session can present.
package stimulus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/internal/session"
	"github.com/signalsfoundry/behavior-rig/model"
)

// ErrUnknownStimulus indicates no stimulus is registered under a name.
var ErrUnknownStimulus = errors.New("unknown stimulus")

// Color is a background fill.
type Color struct {
	R, G, B uint8
}

var (
	// Black blanks the display during punishment and sleep.
	Black = Color{}
	// Background is the default gray.
	Background = Color{R: 127, G: 127, B: 127}
)

// Stimulus is presented by the trial controller. The stimulus owns trial
// bookkeeping: InitTrial opens the trial record and StopTrial closes it.
type Stimulus interface {
	Setup(ctx context.Context) error
	Prepare(ctx context.Context, set *model.ConditionSet) error
	InitTrial(ctx context.Context, condIdx int) error
	// PresentTrial advances the presentation by one frame.
	PresentTrial(ctx context.Context)
	StopTrial(ctx context.Context)
	// ConditionTable names the table the stimulus parameters are logged to.
	ConditionTable() string
	// Unshow fills the background with c.
	Unshow(c Color)
}

// Deps are the collaborators a stimulus may use.
type Deps struct {
	Logger session.Logger
	Probe  probe.Interface
	Log    logging.Logger
}

// Factory builds a stimulus.
type Factory func(deps Deps) Stimulus

var registry = map[string]Factory{
	"nostimulus": func(deps Deps) Stimulus { return NewNoStimulus(deps) },
	"odors":      func(deps Deps) Stimulus { return NewOdors(deps) },
}

// New builds the stimulus registered under name (case-insensitive).
func New(name string, deps Deps) (Stimulus, error) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStimulus, name)
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}
	return factory(deps), nil
}

// Names lists the registered stimuli.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// presenter is the shared half of every stimulus: trial records and the
// current background.
type presenter struct {
	logger    session.Logger
	running   bool
	flipCount int
	bg        Color
}

func (p *presenter) startTrial(condIdx int) {
	p.running = true
	if p.logger != nil {
		p.logger.StartTrial(condIdx)
	}
}

func (p *presenter) stopTrial() {
	p.running = false
	if p.logger != nil {
		p.logger.LogTrial(p.flipCount)
	}
}

func (p *presenter) Unshow(c Color) {
	p.bg = c
	p.flipCount++
}

// Running reports whether a trial is being presented.
func (p *presenter) Running() bool { return p.running }

// Showing returns the current background.
func (p *presenter) Showing() Color { return p.bg }
