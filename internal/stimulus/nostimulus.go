package stimulus

import (
	"context"

	"github.com/signalsfoundry/behavior-rig/model"
)

// NoStimulus presents nothing; trials are still recorded.
type NoStimulus struct {
	presenter
}

func NewNoStimulus(deps Deps) *NoStimulus {
	return &NoStimulus{presenter: presenter{logger: deps.Logger, bg: Background}}
}

func (s *NoStimulus) Setup(context.Context) error                        { return nil }
func (s *NoStimulus) Prepare(context.Context, *model.ConditionSet) error { return nil }

func (s *NoStimulus) InitTrial(_ context.Context, condIdx int) error {
	s.startTrial(condIdx)
	return nil
}

func (s *NoStimulus) PresentTrial(context.Context) {}

func (s *NoStimulus) StopTrial(context.Context) { s.stopTrial() }

func (s *NoStimulus) ConditionTable() string { return "" }
