package model

import (
	"fmt"
	"strings"
)

// SessionState is the externally owned state of a setup.
type SessionState string

const (
	StateReady    SessionState = "ready"
	StateRunning  SessionState = "running"
	StateSleeping SessionState = "sleeping"
	StateHold     SessionState = "hold"
	StateStopped  SessionState = "stopped"
)

// Active reports whether a session loop should keep going in this state.
func (s SessionState) Active() bool {
	return s == StateRunning || s == StateSleeping || s == StateHold
}

// TrialKey identifies a logged trial.
type TrialKey struct {
	SessionID string `json:"session_id"`
	TrialIdx  int    `json:"trial_idx"`
	CondIdx   int    `json:"cond_idx"`
	UUID      string `json:"uuid"`
}

// ParseSessionState validates an externally supplied state name.
func ParseSessionState(s string) (SessionState, error) {
	switch st := SessionState(strings.ToLower(strings.TrimSpace(s))); st {
	case StateReady, StateRunning, StateSleeping, StateHold, StateStopped:
		return st, nil
	default:
		return "", fmt.Errorf("unknown session state %q", s)
	}
}
