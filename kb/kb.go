package kb

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/signalsfoundry/behavior-rig/model"
)

var (
	// ErrCalibrationNotFound indicates no calibration exists for a (setup, probe).
	ErrCalibrationNotFound = errors.New("calibration not found")
	// ErrInvalidSample indicates a calibration sample failed validation.
	ErrInvalidSample = errors.New("invalid calibration sample")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventSampleRecorded EventType = iota
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	Sample model.CalibrationSample
}

type curveKey struct {
	setup string
	probe model.ProbeID
	date  string
}

// KnowledgeBase is an in-memory, thread-safe store of liquid calibration
// records, keyed by setup, probe and date.
type KnowledgeBase struct {
	mu sync.RWMutex

	samples map[curveKey][]model.CalibrationSample

	subs []func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		samples: make(map[curveKey][]model.CalibrationSample),
	}
}

func validateSample(s model.CalibrationSample) error {
	switch {
	case strings.TrimSpace(s.Setup) == "":
		return fmt.Errorf("%w: empty setup", ErrInvalidSample)
	case !s.Probe.Valid():
		return fmt.Errorf("%w: probe %d", ErrInvalidSample, s.Probe)
	case s.Date == "":
		return fmt.Errorf("%w: empty date", ErrInvalidSample)
	case s.PulseDuration <= 0:
		return fmt.Errorf("%w: non-positive pulse duration", ErrInvalidSample)
	case s.PulseCount <= 0:
		return fmt.Errorf("%w: non-positive pulse count", ErrInvalidSample)
	case s.Weight < 0:
		return fmt.Errorf("%w: negative weight", ErrInvalidSample)
	}
	return nil
}

// AddSample records a pulse-weight sample. A sample with the same pulse
// duration on the same (setup, probe, date) replaces the previous one.
func (kb *KnowledgeBase) AddSample(s model.CalibrationSample) error {
	if err := validateSample(s); err != nil {
		return err
	}

	kb.mu.Lock()
	key := curveKey{setup: s.Setup, probe: s.Probe, date: s.Date}
	existing := kb.samples[key]
	replaced := false
	for i := range existing {
		if existing[i].PulseDuration == s.PulseDuration {
			existing[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, s)
	}
	kb.samples[key] = existing
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	event := Event{Type: EventSampleRecorded, Sample: s}
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Probes returns the sorted probes with at least one calibration on setup.
func (kb *KnowledgeBase) Probes(setup string) []model.ProbeID {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	seen := make(map[model.ProbeID]struct{})
	for key := range kb.samples {
		if key.setup == setup {
			seen[key.probe] = struct{}{}
		}
	}
	out := make([]model.ProbeID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Latest returns the calibration curve of the most recent date for probe on
// setup. Dates are ISO formatted, so they order lexically.
func (kb *KnowledgeBase) Latest(setup string, probe model.ProbeID) (model.CalibrationCurve, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	latest := ""
	for key := range kb.samples {
		if key.setup == setup && key.probe == probe && key.date > latest {
			latest = key.date
		}
	}
	if latest == "" {
		return model.CalibrationCurve{}, fmt.Errorf("setup %q probe %d: %w", setup, probe, ErrCalibrationNotFound)
	}
	samples := kb.samples[curveKey{setup: setup, probe: probe, date: latest}]
	return model.CalibrationCurve{
		Probe:   probe,
		Date:    latest,
		Samples: append([]model.CalibrationSample(nil), samples...),
	}, nil
}

// LatestCurves returns the most recent curve of every probe on setup.
func (kb *KnowledgeBase) LatestCurves(setup string) []model.CalibrationCurve {
	probes := kb.Probes(setup)
	curves := make([]model.CalibrationCurve, 0, len(probes))
	for _, p := range probes {
		c, err := kb.Latest(setup, p)
		if err != nil {
			continue
		}
		curves = append(curves, c)
	}
	return curves
}

// Samples returns a snapshot of every stored sample ordered by setup, probe,
// date and pulse duration.
func (kb *KnowledgeBase) Samples() []model.CalibrationSample {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var out []model.CalibrationSample
	for _, samples := range kb.samples {
		out = append(out, samples...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Setup != b.Setup {
			return a.Setup < b.Setup
		}
		if a.Probe != b.Probe {
			return a.Probe < b.Probe
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.PulseDuration < b.PulseDuration
	})
	return out
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.subs = append(kb.subs, fn)
	idx := len(kb.subs) - 1

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		if idx < 0 || idx >= len(kb.subs) {
			return
		}
		kb.subs = append(kb.subs[:idx], kb.subs[idx+1:]...)
		idx = -1
	}
}
