package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/interp"

	"github.com/signalsfoundry/behavior-rig/model"
)

var (
	// ErrNoCalibration is returned for a probe without a calibration curve.
	ErrNoCalibration = errors.New("no calibration for probe")
	// ErrEmptyCurve is returned when a curve has no usable samples.
	ErrEmptyCurve = errors.New("calibration curve has no usable samples")
)

// PulseDuration returns the valve opening time delivering volume (ml) per pulse
// according to curve. The curve maps volume per pulse (weight / pulse_count) to
// pulse duration; it is interpolated linearly and clamped to its end points.
func PulseDuration(curve model.CalibrationCurve, volume float64) (time.Duration, error) {
	xs, ys := curvePoints(curve.Samples)
	switch len(xs) {
	case 0:
		return 0, fmt.Errorf("probe %d: %w", curve.Probe, ErrEmptyCurve)
	case 1:
		return msToDuration(ys[0]), nil
	}

	x := math.Min(math.Max(volume, xs[0]), xs[len(xs)-1])

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return 0, fmt.Errorf("probe %d: fit calibration: %w", curve.Probe, err)
	}
	return msToDuration(pl.Predict(x)), nil
}

// curvePoints sorts samples by volume per pulse and averages the durations of
// samples sharing the same volume so the x axis is strictly increasing.
func curvePoints(samples []model.CalibrationSample) ([]float64, []float64) {
	type point struct{ x, y float64 }
	pts := make([]point, 0, len(samples))
	for _, s := range samples {
		if s.PulseCount <= 0 || s.PulseDuration <= 0 {
			continue
		}
		pts = append(pts, point{x: s.VolumePerPulse(), y: durationToMs(s.PulseDuration)})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].x < pts[j].x })

	xs := make([]float64, 0, len(pts))
	ys := make([]float64, 0, len(pts))
	for i := 0; i < len(pts); {
		j := i
		sum := 0.0
		for j < len(pts) && pts[j].x == pts[i].x {
			sum += pts[j].y
			j++
		}
		xs = append(xs, pts[i].x)
		ys = append(ys, sum/float64(j-i))
		i = j
	}
	return xs, ys
}

func durationToMs(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func msToDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

// PulseCalibrator holds the per-probe pulse durations of a session. It is
// computed once at session start, not per trial.
type PulseCalibrator struct {
	volume    float64
	durations map[model.ProbeID]time.Duration
}

// NewPulseCalibrator computes the pulse duration delivering volume (ml) for
// every curve. Curves are expected to hold only the most recent date of each
// probe (see kb.KnowledgeBase.Latest).
func NewPulseCalibrator(curves []model.CalibrationCurve, volume float64) (*PulseCalibrator, error) {
	c := &PulseCalibrator{
		volume:    volume,
		durations: make(map[model.ProbeID]time.Duration, len(curves)),
	}
	for _, curve := range curves {
		d, err := PulseDuration(curve, volume)
		if err != nil {
			return nil, err
		}
		c.durations[curve.Probe] = d
	}
	return c, nil
}

// Volume returns the target reward volume in ml.
func (c *PulseCalibrator) Volume() float64 {
	if c == nil {
		return 0
	}
	return c.volume
}

// Duration returns the calibrated pulse duration of probe p.
func (c *PulseCalibrator) Duration(p model.ProbeID) (time.Duration, error) {
	if c == nil {
		return 0, fmt.Errorf("probe %d: %w", p, ErrNoCalibration)
	}
	d, ok := c.durations[p]
	if !ok {
		return 0, fmt.Errorf("probe %d: %w", p, ErrNoCalibration)
	}
	return d, nil
}

// Durations returns a copy of every calibrated duration.
func (c *PulseCalibrator) Durations() map[model.ProbeID]time.Duration {
	if c == nil {
		return nil
	}
	out := make(map[model.ProbeID]time.Duration, len(c.durations))
	for p, d := range c.durations {
		out[p] = d
	}
	return out
}
