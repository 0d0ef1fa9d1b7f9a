package model

import "time"

// CalibrationSample is one pulse-weight measurement as persisted by the
// calibration procedure. PulseDuration is the valve opening time per pulse and
// Weight the total weight (grams ~ ml) delivered by PulseCount pulses.
type CalibrationSample struct {
	Setup         string
	Probe         ProbeID
	Date          string // YYYY-MM-DD
	PulseDuration time.Duration
	PulseCount    int
	Weight        float64
}

// VolumePerPulse returns the delivered volume of a single pulse.
func (s CalibrationSample) VolumePerPulse() float64 {
	if s.PulseCount <= 0 {
		return 0
	}
	return s.Weight / float64(s.PulseCount)
}

// CalibrationCurve groups the samples of a probe recorded on one date.
type CalibrationCurve struct {
	Probe   ProbeID
	Date    string
	Samples []CalibrationSample
}
