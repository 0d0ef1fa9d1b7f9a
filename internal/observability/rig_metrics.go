package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/behavior-rig/model"
)

// Punishment reasons.
const (
	PunishAir       = "air"
	PunishTimeout   = "timeout"
	PunishPremature = "premature"
)

// Trial outcomes.
const (
	OutcomeReward  = "reward"
	OutcomePunish  = "punish"
	OutcomeNoLick  = "no_response"
	OutcomeAborted = "aborted"
)

var sessionStates = []model.SessionState{
	model.StateReady,
	model.StateRunning,
	model.StateSleeping,
	model.StateHold,
	model.StateStopped,
}

// RigCollector exposes behavioral-rig Prometheus metrics: sensor events,
// actuations, trial outcomes and interlock contention.
type RigCollector struct {
	gatherer prometheus.Gatherer

	Licks             *prometheus.CounterVec
	Rewards           *prometheus.CounterVec
	Punishments       *prometheus.CounterVec
	Trials            *prometheus.CounterVec
	LiquidDelivered   prometheus.Counter
	InterlockSkips    prometheus.Counter
	InterlockTimeouts prometheus.Counter
	InterlockWait     prometheus.Histogram
	Actuations        *prometheus.HistogramVec
	SessionState      *prometheus.GaugeVec
	PulseDuration     *prometheus.GaugeVec
}

// NewRigCollector registers rig metrics against the provided registerer.
func NewRigCollector(reg prometheus.Registerer) (*RigCollector, error) {
	reg, gatherer := resolveRegistry(reg)

	licks, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_licks_total",
		Help: "Accepted (debounced) lick edges, labeled by probe.",
	}, []string{"probe"}), "rig_licks_total")
	if err != nil {
		return nil, err
	}
	rewards, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_rewards_total",
		Help: "Liquid rewards delivered, labeled by probe.",
	}, []string{"probe"}), "rig_rewards_total")
	if err != nil {
		return nil, err
	}
	punishments, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_punishments_total",
		Help: "Punishments applied, labeled by reason.",
	}, []string{"reason"}), "rig_punishments_total")
	if err != nil {
		return nil, err
	}
	trials, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_trials_total",
		Help: "Completed trials, labeled by outcome.",
	}, []string{"outcome"}), "rig_trials_total")
	if err != nil {
		return nil, err
	}
	liquid, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_liquid_delivered_ml_total",
		Help: "Cumulative calibrated liquid volume delivered, in ml.",
	}), "rig_liquid_delivered_ml_total")
	if err != nil {
		return nil, err
	}
	skips, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_interlock_skips_total",
		Help: "Sensor polling ticks skipped because an actuation held the channel.",
	}), "rig_interlock_skips_total")
	if err != nil {
		return nil, err
	}
	timeouts, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_interlock_timeouts_total",
		Help: "Actuations abandoned because the channel stayed busy past interlock_timeout.",
	}), "rig_interlock_timeouts_total")
	if err != nil {
		return nil, err
	}
	wait, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rig_interlock_wait_seconds",
		Help:    "Time an actuation spent waiting for the shared channel.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
	}), "rig_interlock_wait_seconds")
	if err != nil {
		return nil, err
	}
	actuations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rig_actuation_duration_seconds",
		Help:    "Wall time of actuation pulses, labeled by kind.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"kind"}), "rig_actuation_duration_seconds")
	if err != nil {
		return nil, err
	}
	state, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rig_session_state",
		Help: "1 for the current session state, 0 for the others.",
	}, []string{"state"}), "rig_session_state")
	if err != nil {
		return nil, err
	}
	pulse, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rig_pulse_duration_seconds",
		Help: "Calibrated reward pulse duration per probe.",
	}, []string{"probe"}), "rig_pulse_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &RigCollector{
		gatherer:          gatherer,
		Licks:             licks,
		Rewards:           rewards,
		Punishments:       punishments,
		Trials:            trials,
		LiquidDelivered:   liquid,
		InterlockSkips:    skips,
		InterlockTimeouts: timeouts,
		InterlockWait:     wait,
		Actuations:        actuations,
		SessionState:      state,
		PulseDuration:     pulse,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RigCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncLick counts an accepted lick on p.
func (c *RigCollector) IncLick(p model.ProbeID) {
	if c == nil || c.Licks == nil {
		return
	}
	c.Licks.WithLabelValues(p.String()).Inc()
}

// IncReward counts a reward on p and adds its calibrated volume in ml.
func (c *RigCollector) IncReward(p model.ProbeID, volumeML float64) {
	if c == nil {
		return
	}
	if c.Rewards != nil {
		c.Rewards.WithLabelValues(p.String()).Inc()
	}
	if c.LiquidDelivered != nil && volumeML > 0 {
		c.LiquidDelivered.Add(volumeML)
	}
}

// IncPunishment counts a punishment.
func (c *RigCollector) IncPunishment(reason string) {
	if c == nil || c.Punishments == nil {
		return
	}
	c.Punishments.WithLabelValues(reason).Inc()
}

// IncTrial counts a finished trial.
func (c *RigCollector) IncTrial(outcome string) {
	if c == nil || c.Trials == nil {
		return
	}
	c.Trials.WithLabelValues(outcome).Inc()
}

func (c *RigCollector) IncInterlockSkip() {
	if c == nil || c.InterlockSkips == nil {
		return
	}
	c.InterlockSkips.Inc()
}

func (c *RigCollector) IncInterlockTimeout() {
	if c == nil || c.InterlockTimeouts == nil {
		return
	}
	c.InterlockTimeouts.Inc()
}

func (c *RigCollector) ObserveInterlockWait(d time.Duration) {
	if c == nil || c.InterlockWait == nil {
		return
	}
	c.InterlockWait.Observe(d.Seconds())
}

// ObserveActuation records the wall time of a pulse of the given kind
// (liquid, air, odor, engage).
func (c *RigCollector) ObserveActuation(kind string, d time.Duration) {
	if c == nil || c.Actuations == nil {
		return
	}
	c.Actuations.WithLabelValues(kind).Observe(d.Seconds())
}

// SetSessionState flips the one-hot session state gauge.
func (c *RigCollector) SetSessionState(s model.SessionState) {
	if c == nil || c.SessionState == nil {
		return
	}
	known := false
	for _, st := range sessionStates {
		v := 0.0
		if st == s {
			v = 1
			known = true
		}
		c.SessionState.WithLabelValues(string(st)).Set(v)
	}
	if !known && s != "" {
		c.SessionState.WithLabelValues(string(s)).Set(1)
	}
}

// SetPulseDuration publishes the calibrated pulse duration of p.
func (c *RigCollector) SetPulseDuration(p model.ProbeID, d time.Duration) {
	if c == nil || c.PulseDuration == nil {
		return
	}
	c.PulseDuration.WithLabelValues(p.String()).Set(d.Seconds())
}
