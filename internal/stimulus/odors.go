package stimulus

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/model"
)

// OdorCondition is the parsed odor delivery of one condition.
type OdorCondition struct {
	// Channels are the odor valves, by default the odor indexes themselves.
	Channels  []model.ProbeID
	Durations []time.Duration
	Duty      []float64
}

// Odors delivers a mixture of odors through the probe's PWM outputs at the
// start of every trial.
type Odors struct {
	presenter

	probe probe.Interface
	log   logging.Logger
	conds map[int]OdorCondition
}

func NewOdors(deps Deps) *Odors {
	return &Odors{
		presenter: presenter{logger: deps.Logger, bg: Background},
		probe:     deps.Probe,
		log:       deps.Log,
	}
}

func (o *Odors) Setup(context.Context) error {
	if o.probe == nil {
		return fmt.Errorf("odors: no probe interface")
	}
	return nil
}

// Prepare parses odor_idx, duration (ms) and dutycycle (%) from every
// condition. delivery_probe, when present, overrides the valve channels and
// odor_dur is accepted for duration.
func (o *Odors) Prepare(_ context.Context, set *model.ConditionSet) error {
	o.conds = make(map[int]OdorCondition, set.Len())
	for _, idx := range set.Indexes() {
		cond, _ := set.Condition(idx)
		oc, err := parseOdorCondition(cond.Params)
		if err != nil {
			return fmt.Errorf("odors: condition %d: %w", idx, err)
		}
		o.conds[idx] = oc
	}
	return nil
}

func parseOdorCondition(params map[string]any) (OdorCondition, error) {
	channelsKey := "odor_idx"
	if _, ok := params["delivery_probe"]; ok {
		channelsKey = "delivery_probe"
	}
	channels, err := intList(params, channelsKey)
	if err != nil {
		return OdorCondition{}, err
	}
	durKey := "duration"
	if _, ok := params[durKey]; !ok {
		durKey = "odor_dur"
	}
	durs, err := floatList(params, durKey)
	if err != nil {
		return OdorCondition{}, err
	}
	duty, err := floatList(params, "dutycycle")
	if err != nil {
		return OdorCondition{}, err
	}
	if len(durs) != len(channels) || len(duty) != len(channels) {
		return OdorCondition{}, fmt.Errorf("%d channels, %d durations, %d duty cycles", len(channels), len(durs), len(duty))
	}

	oc := OdorCondition{Duty: duty}
	for i, ch := range channels {
		oc.Channels = append(oc.Channels, model.ProbeID(ch))
		oc.Durations = append(oc.Durations, time.Duration(durs[i]*float64(time.Millisecond)))
	}
	return oc, nil
}

func (o *Odors) InitTrial(ctx context.Context, condIdx int) error {
	oc, ok := o.conds[condIdx]
	if !ok {
		return fmt.Errorf("odors: condition %d not prepared", condIdx)
	}
	if err := o.probe.DeliverOdor(oc.Channels, oc.Durations, oc.Duty); err != nil {
		o.log.Error(ctx, "odor delivery failed", logging.Int("cond_idx", condIdx), logging.Err(err))
	}
	o.startTrial(condIdx)
	return nil
}

func (o *Odors) PresentTrial(context.Context) {}

func (o *Odors) StopTrial(context.Context) { o.stopTrial() }

func (o *Odors) ConditionTable() string { return "OdorCond" }

func intList(params map[string]any, key string) ([]int, error) {
	fs, err := floatList(params, key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%s: %v is not an integer", key, f)
		}
		out[i] = int(f)
	}
	return out, nil
}

// floatList reads a scalar or list of numbers as decoded from YAML or JSON.
func floatList(params map[string]any, key string) ([]float64, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	items, ok := raw.([]any)
	if !ok {
		items = []any{raw}
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("%s: %v (%T) is not a number", key, item, item)
		}
		out = append(out, f)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
