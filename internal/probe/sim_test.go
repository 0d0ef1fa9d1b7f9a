package probe

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

func TestSimLickDetectionAndInactivity(t *testing.T) {
	clock := timectrl.NewFakeClock(time.Unix(5000, 0))
	events := &recordingEvents{}
	metrics := &countingMetrics{}
	sim := NewSim(Options{Clock: clock, Events: events, Metrics: metrics})
	defer sim.Close()

	clock.Advance(3 * time.Second)
	if got := sim.InactivityTime(); got != 3*time.Second {
		t.Fatalf("InactivityTime before any lick = %v, want 3s", got)
	}

	sim.Lick(2)
	clock.Advance(100 * time.Millisecond)
	sim.Lick(2) // debounced

	if got := sim.DetectLick(); got != 2 {
		t.Fatalf("DetectLick = %v, want 2", got)
	}
	if got := sim.DetectLick(); got != model.NoProbe {
		t.Fatalf("lick should be consumed, got %v", got)
	}
	if events.lickCount() != 1 || metrics.licks.Load() != 1 {
		t.Fatalf("debounced edge should not be logged: %d events, %d metrics", events.lickCount(), metrics.licks.Load())
	}
	if got := sim.InactivityTime(); got != 100*time.Millisecond {
		t.Fatalf("InactivityTime = %v, want 100ms", got)
	}
}

func TestSimReadiness(t *testing.T) {
	clock := timectrl.NewFakeClock(time.Unix(5000, 0))
	sim := NewSim(Options{Clock: clock})
	defer sim.Close()

	if ready, held := sim.IsReady(); ready || held != 0 {
		t.Fatalf("IsReady = %v, %v before position", ready, held)
	}
	sim.SetReady(true)
	clock.Advance(250 * time.Millisecond)
	sim.SetReady(true) // no transition, timer keeps running
	clock.Advance(50 * time.Millisecond)
	if ready, held := sim.IsReady(); !ready || held != 300*time.Millisecond {
		t.Fatalf("IsReady = %v, %v; want true, 300ms", ready, held)
	}
	sim.SetReady(false)
	if ready, held := sim.IsReady(); ready || held != 0 {
		t.Fatalf("IsReady after release = %v, %v", ready, held)
	}
}

func TestSimDeliverLiquidUsesCalibration(t *testing.T) {
	events := &recordingEvents{}
	metrics := &countingMetrics{}
	sim := NewSim(Options{
		Events:     events,
		Metrics:    metrics,
		Calibrator: testCalibrator(t, 0.003, 1),
	})
	defer sim.Close()

	if err := sim.DeliverLiquid(1, 0); err != nil {
		t.Fatalf("DeliverLiquid calibrated: %v", err)
	}
	if err := sim.DeliverLiquid(1, 55*time.Millisecond); err != nil {
		t.Fatalf("DeliverLiquid explicit: %v", err)
	}
	if err := sim.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	acts := sim.Actuations()
	if len(acts) != 2 {
		t.Fatalf("actuations = %+v, want 2", acts)
	}
	if acts[0].Kind != KindLiquid || acts[0].Duration != 30*time.Millisecond {
		t.Fatalf("calibrated pulse = %+v, want 30ms liquid", acts[0])
	}
	if acts[1].Duration != 55*time.Millisecond {
		t.Fatalf("explicit pulse = %+v, want 55ms", acts[1])
	}
	if len(events.liquids) != 2 || metrics.rewards.Load() != 2 {
		t.Fatalf("liquid events = %v, rewards = %d", events.liquids, metrics.rewards.Load())
	}
}

func TestSimDeliverErrors(t *testing.T) {
	sim := NewSim(Options{Calibrator: testCalibrator(t, 0.003, 1)})
	defer sim.Close()

	if err := sim.DeliverLiquid(2, 0); !errors.Is(err, core.ErrNoCalibration) {
		t.Fatalf("uncalibrated probe err = %v, want ErrNoCalibration", err)
	}
	if err := sim.DeliverLiquid(model.NoProbe, time.Millisecond); !errors.Is(err, ErrUnknownProbe) {
		t.Fatalf("NoProbe err = %v, want ErrUnknownProbe", err)
	}
	if err := sim.DeliverOdor([]model.ProbeID{1, 2}, []time.Duration{time.Second}, []float64{50, 50}); err == nil {
		t.Fatalf("mismatched odor arguments should fail")
	}
}

func TestSimAirAndOdor(t *testing.T) {
	events := &recordingEvents{}
	sim := NewSim(Options{Events: events})
	defer sim.Close()

	if err := sim.DeliverAir(1, 100*time.Millisecond); err != nil {
		t.Fatalf("DeliverAir: %v", err)
	}
	ids := []model.ProbeID{1, 2}
	if err := sim.DeliverOdor(ids, []time.Duration{1501 * time.Millisecond, 1502 * time.Millisecond}, []float64{90, 10}); err != nil {
		t.Fatalf("DeliverOdor: %v", err)
	}
	if err := sim.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	acts := sim.Actuations()
	if len(acts) != 3 {
		t.Fatalf("actuations = %+v, want 3", acts)
	}
	if acts[0].Kind != KindAir || acts[1].Kind != KindOdor || acts[1].Duty != 90 || acts[2].Probe != 2 || acts[2].Duty != 10 {
		t.Fatalf("unexpected actuations: %+v", acts)
	}
	if len(events.airs) != 1 || len(events.odors) != 1 {
		t.Fatalf("air events = %v, odor events = %v", events.airs, events.odors)
	}
}

func TestSimEngageAndClose(t *testing.T) {
	sim := NewSim(Options{})
	if err := sim.Engage(); err != nil || !sim.Engaged() {
		t.Fatalf("Engage: %v, engaged=%v", err, sim.Engaged())
	}
	if err := sim.Disengage(); err != nil || sim.Engaged() {
		t.Fatalf("Disengage: %v, engaged=%v", err, sim.Engaged())
	}
	if err := sim.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sim.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sim.DeliverAir(1, time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("DeliverAir after Close = %v, want ErrClosed", err)
	}
}
