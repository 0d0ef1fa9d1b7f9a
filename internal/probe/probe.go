// Package probe drives the rig's lick sensors, position sensor and
// liquid/air/odor actuators. Every backend shares the same lick latch,
// debounce rule and single-worker actuation queue; the serial backend also
// arbitrates its shared modem-control channel through an Interlock.
package probe

import (
	"errors"
	"time"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

var (
	// ErrUnknownProbe indicates an operation addressed a probe the backend
	// has no channel for.
	ErrUnknownProbe = errors.New("unknown probe")
	// ErrInterlockTimeout indicates an actuation gave up waiting for the
	// shared channel.
	ErrInterlockTimeout = errors.New("interlock wait timed out")
	// ErrUnsupported indicates the backend cannot perform the actuation.
	ErrUnsupported = errors.New("operation not supported by backend")
	// ErrClosed is returned once the backend has been shut down.
	ErrClosed = errors.New("probe interface closed")
	// ErrUnknownBackend indicates no backend is registered for a probe type.
	ErrUnknownBackend = errors.New("unknown probe backend")
)

// DefaultDebounce is the per-probe window inside which further lick edges
// are ignored.
const DefaultDebounce = 200 * time.Millisecond

// Interface is the trial controller's view of the rig hardware.
type Interface interface {
	// DetectLick returns the lowest-numbered probe with a pending lick and
	// clears it, or model.NoProbe.
	DetectLick() model.ProbeID
	// IsReady reports whether the animal is in position and for how long.
	IsReady() (bool, time.Duration)
	// DeliverLiquid opens probe p's valve for d; d == 0 uses the calibrated
	// duration for the session's reward volume.
	DeliverLiquid(p model.ProbeID, d time.Duration) error
	DeliverAir(p model.ProbeID, d time.Duration) error
	// DeliverOdor pulses each odor channel with a PWM duty cycle in percent.
	DeliverOdor(ids []model.ProbeID, durations []time.Duration, duty []float64) error
	Engage() error
	Disengage() error
	// InactivityTime is the time since the last accepted lick on any probe.
	InactivityTime() time.Duration
	// Flush blocks until every queued actuation has run.
	Flush() error
	Close() error
}

// EventLogger receives hardware events for the session record.
type EventLogger interface {
	LogLick(p model.ProbeID)
	LogLiquid(p model.ProbeID)
	LogAir(p model.ProbeID)
	LogOdor(ids []model.ProbeID)
}

// MetricsRecorder is satisfied by observability.RigCollector.
type MetricsRecorder interface {
	IncLick(p model.ProbeID)
	IncReward(p model.ProbeID, volumeML float64)
	IncInterlockSkip()
	IncInterlockTimeout()
	ObserveInterlockWait(d time.Duration)
	ObserveActuation(kind string, d time.Duration)
}

// Options carries the collaborators shared by every backend. Zero values are
// replaced by no-op implementations.
type Options struct {
	Logger     logging.Logger
	Events     EventLogger
	Metrics    MetricsRecorder
	Clock      timectrl.Clock
	Calibrator *core.PulseCalibrator

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// InterlockTimeout bounds the actuation spin-wait; zero waits forever.
	InterlockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	if o.Events == nil {
		o.Events = noopEvents{}
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = timectrl.Real{}
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	return o
}

type noopEvents struct{}

func (noopEvents) LogLick(model.ProbeID)   {}
func (noopEvents) LogLiquid(model.ProbeID) {}
func (noopEvents) LogAir(model.ProbeID)    {}
func (noopEvents) LogOdor([]model.ProbeID) {}

type noopMetrics struct{}

func (noopMetrics) IncLick(model.ProbeID)                  {}
func (noopMetrics) IncReward(model.ProbeID, float64)       {}
func (noopMetrics) IncInterlockSkip()                      {}
func (noopMetrics) IncInterlockTimeout()                   {}
func (noopMetrics) ObserveInterlockWait(time.Duration)     {}
func (noopMetrics) ObserveActuation(string, time.Duration) {}
