package model

import (
	"strconv"
	"time"
)

// ProbeID identifies a lick sensor / actuator channel on the rig.
// Probes are small positive integers; NoProbe means "nothing detected".
type ProbeID int

// NoProbe is returned by lick detection when no probe fired.
const NoProbe ProbeID = 0

// Valid reports whether p refers to a physical probe.
func (p ProbeID) Valid() bool { return p > NoProbe }

func (p ProbeID) String() string { return strconv.Itoa(int(p)) }

// ProbeEvent is a single accepted lick edge.
type ProbeEvent struct {
	Probe ProbeID
	At    time.Time
}

// ReadyState mirrors the position sensor. Since is only meaningful while Ready.
type ReadyState struct {
	Ready bool
	Since time.Time
}

// HeldFor returns how long the animal has been continuously in position at now.
func (r ReadyState) HeldFor(now time.Time) time.Duration {
	if !r.Ready {
		return 0
	}
	return now.Sub(r.Since)
}
