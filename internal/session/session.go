// Package session records everything that happens during a training session
// and owns the shared session-state handle the trial loop watches.
package session

import (
	"github.com/signalsfoundry/behavior-rig/model"
)

// Info describes a session at start.
type Info struct {
	Setup         string         `json:"setup"`
	Experiment    string         `json:"experiment"`
	ProbeType     string         `json:"probe_type"`
	StimType      string         `json:"stim_type"`
	Randomization string         `json:"randomization"`
	ConfigDigest  string         `json:"config_digest,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

// Logger is the trial controller's record keeper. Implementations are best
// effort: they never return errors to the control loop.
type Logger interface {
	// LogSession opens a session and returns its id.
	LogSession(info Info) string
	// LogConditions records the condition table under the given stimulus
	// table name.
	LogConditions(set *model.ConditionSet, table string)
	StartTrial(condIdx int) model.TrialKey
	LogTrial(flipCount int)

	LogLick(p model.ProbeID)
	LogLiquid(p model.ProbeID)
	LogAir(p model.ProbeID)
	LogOdor(ids []model.ProbeID)

	SessionState() model.SessionState
	SetSessionState(s model.SessionState)
	// Ping marks the setup as alive.
	Ping()
}
