package trial

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrUnknownExperiment indicates no variant is registered under a name.
var ErrUnknownExperiment = errors.New("unknown experiment")

// DefaultRewardGrace keeps the stimulus up after a correct response in the
// immediate-response variant.
const DefaultRewardGrace = time.Second

// Policy selects the behavior of a Controller. Experiment variants are
// compositions of these switches rather than separate controllers.
type Policy struct {
	// GateOnReady waits for the animal to hold position for the ready wait
	// before a trial starts.
	GateOnReady bool
	// HoldDelay only evaluates responses once the trial wait has elapsed;
	// leaving position before then is punished.
	HoldDelay bool
	// Discriminate compares the licked probe with the condition's reward
	// probe. Without it every qualifying lick is rewarded.
	Discriminate bool
	// RewardGrace keeps presenting the stimulus after a correct response.
	RewardGrace time.Duration
	// AirPunish adds an air puff to the timeout.
	AirPunish bool
	// SleepOnSilence lets InterTrial put the session to sleep.
	SleepOnSilence bool
	// EndOnLick rewards any lick and never punishes.
	EndOnLick bool
	// TrackBias feeds response probes into the scheduler's bias history.
	TrackBias bool
	// Passive presents each trial for the trial wait and ignores licks.
	Passive bool
	// EngageOnHold moves the probe in and out of position when the session
	// is put on hold.
	EngageOnHold bool
}

var variants = map[string]Policy{
	"multiprobe": {
		Discriminate:   true,
		RewardGrace:    DefaultRewardGrace,
		AirPunish:      true,
		SleepOnSilence: true,
		TrackBias:      true,
	},
	"centerport": {
		GateOnReady:    true,
		HoldDelay:      true,
		Discriminate:   true,
		SleepOnSilence: true,
		TrackBias:      true,
	},
	"centerporttrain": {
		GateOnReady:    true,
		HoldDelay:      true,
		SleepOnSilence: true,
	},
	"freewater": {
		EndOnLick: true,
	},
	"passivereward": {
		Passive:      true,
		EngageOnHold: true,
	},
}

// Lookup returns the policy of the named experiment (case-insensitive).
func Lookup(name string) (Policy, error) {
	p, ok := variants[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownExperiment, name)
	}
	return p, nil
}

// Experiments lists the registered experiment names.
func Experiments() []string {
	out := make([]string, 0, len(variants))
	for name := range variants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
