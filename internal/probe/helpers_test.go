package probe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/model"
)

type recordingEvents struct {
	mu      sync.Mutex
	licks   []model.ProbeID
	liquids []model.ProbeID
	airs    []model.ProbeID
	odors   [][]model.ProbeID
}

func (r *recordingEvents) LogLick(p model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.licks = append(r.licks, p)
}

func (r *recordingEvents) LogLiquid(p model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liquids = append(r.liquids, p)
}

func (r *recordingEvents) LogAir(p model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.airs = append(r.airs, p)
}

func (r *recordingEvents) LogOdor(ids []model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.odors = append(r.odors, ids)
}

func (r *recordingEvents) lickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.licks)
}

func (r *recordingEvents) liquidCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liquids)
}

type countingMetrics struct {
	licks    atomic.Int64
	rewards  atomic.Int64
	skips    atomic.Int64
	timeouts atomic.Int64
	waits    atomic.Int64
}

func (m *countingMetrics) IncLick(model.ProbeID)                  { m.licks.Add(1) }
func (m *countingMetrics) IncReward(model.ProbeID, float64)       { m.rewards.Add(1) }
func (m *countingMetrics) IncInterlockSkip()                      { m.skips.Add(1) }
func (m *countingMetrics) IncInterlockTimeout()                   { m.timeouts.Add(1) }
func (m *countingMetrics) ObserveInterlockWait(time.Duration)     { m.waits.Add(1) }
func (m *countingMetrics) ObserveActuation(string, time.Duration) {}

func testCalibrator(t *testing.T, volume float64, probes ...model.ProbeID) *core.PulseCalibrator {
	t.Helper()
	var curves []model.CalibrationCurve
	for _, p := range probes {
		curves = append(curves, model.CalibrationCurve{
			Probe: p,
			Date:  "2024-01-01",
			Samples: []model.CalibrationSample{
				{Setup: "rig1", Probe: p, Date: "2024-01-01", PulseDuration: 20 * time.Millisecond, PulseCount: 100, Weight: 0.2},
				{Setup: "rig1", Probe: p, Date: "2024-01-01", PulseDuration: 40 * time.Millisecond, PulseCount: 100, Weight: 0.4},
			},
		})
	}
	c, err := core.NewPulseCalibrator(curves, volume)
	if err != nil {
		t.Fatalf("NewPulseCalibrator: %v", err)
	}
	return c
}

// eventually polls cond on the wall clock until it holds or timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
