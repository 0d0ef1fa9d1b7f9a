package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// Record kinds.
const (
	KindSession   = "session"
	KindCondition = "condition"
	KindTrial     = "trial"
	KindLick      = "lick"
	KindLiquid    = "liquid"
	KindAir       = "air"
	KindOdor      = "odor"
	KindState     = "state"
)

// DefaultBuffer is the number of records that may wait for the sink.
const DefaultBuffer = 4096

// Record is one line of the session log.
type Record struct {
	Kind      string         `json:"kind"`
	At        time.Time      `json:"at"`
	ElapsedMS int64          `json:"elapsed_ms"`
	SessionID string         `json:"session_id,omitempty"`
	TrialIdx  int            `json:"trial_idx,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Status is a snapshot of the setup as tracked by the recorder.
type Status struct {
	Setup        string             `json:"setup"`
	SessionID    string             `json:"session_id"`
	State        model.SessionState `json:"state"`
	LastTrial    int                `json:"last_trial"`
	TotalLiquid  float64            `json:"total_liquid_ml"`
	LastPing     time.Time          `json:"last_ping"`
	Dropped      int64              `json:"dropped_records"`
	ConfigDigest string             `json:"config_digest,omitempty"`
}

// StateListener is notified after every session state change.
type StateListener func(from, to model.SessionState)

// Recorder implements Logger. Records are queued on a buffered channel and
// written as JSON lines by a single goroutine; a full buffer drops the record
// rather than stall the control loop.
type Recorder struct {
	clock  timectrl.Clock
	log    logging.Logger
	timer  *timectrl.Timer
	enc    *json.Encoder
	volume float64

	queue   chan Record
	wg      sync.WaitGroup
	dropped atomic.Int64

	mu         sync.Mutex
	closed     bool
	setup      string
	sessionID  string
	digest     string
	state      model.SessionState
	trialIdx   int
	trial      model.TrialKey
	trialStart time.Duration
	inTrial    bool
	liquid     float64
	lastPing   time.Time
	listeners  []StateListener
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithClock(c timectrl.Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l logging.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRewardVolume sets the calibrated volume (ml) credited per liquid
// delivery.
func WithRewardVolume(ml float64) RecorderOption {
	return func(r *Recorder) { r.volume = ml }
}

func WithSetup(name string) RecorderOption {
	return func(r *Recorder) { r.setup = name }
}

func withBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

// NewRecorder starts a recorder writing to sink. The session state starts at
// ready.
func NewRecorder(sink io.Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		clock: timectrl.Real{},
		log:   logging.Noop(),
		enc:   json.NewEncoder(sink),
		queue: make(chan Record, DefaultBuffer),
		state: model.StateReady,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.timer = timectrl.NewTimer(r.clock)
	r.lastPing = r.clock.Now()

	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for rec := range r.queue {
		if err := r.enc.Encode(rec); err != nil {
			r.log.Error(context.Background(), "session record write failed",
				logging.String("kind", rec.Kind),
				logging.Err(err),
			)
		}
	}
}

// enqueue must be called with r.mu held.
func (r *Recorder) enqueue(kind string, data map[string]any) {
	if r.closed {
		return
	}
	rec := Record{
		Kind:      kind,
		At:        r.clock.Now(),
		ElapsedMS: r.timer.Elapsed().Milliseconds(),
		SessionID: r.sessionID,
		Data:      data,
	}
	if r.inTrial {
		rec.TrialIdx = r.trialIdx
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn(context.Background(), "session record buffer full; dropping records",
				logging.String("kind", kind),
			)
		}
	}
}

func (r *Recorder) LogSession(info Info) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionID = uuid.NewString()
	if info.Setup != "" {
		r.setup = info.Setup
	}
	r.digest = info.ConfigDigest
	r.trialIdx = 0
	r.inTrial = false
	r.timer.Start()

	r.enqueue(KindSession, map[string]any{"info": info})
	r.log.Info(context.Background(), "session started",
		logging.String("session_id", r.sessionID),
		logging.String("setup", r.setup),
		logging.String("experiment", info.Experiment),
	)
	return r.sessionID
}

func (r *Recorder) LogConditions(set *model.ConditionSet, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, idx := range set.Indexes() {
		cond, _ := set.Condition(idx)
		data := map[string]any{
			"cond_idx": idx,
			"table":    table,
			"params":   cond.Params,
		}
		if cond.Probe.Valid() {
			data["probe"] = int(cond.Probe)
		}
		r.enqueue(KindCondition, data)
	}
}

func (r *Recorder) StartTrial(condIdx int) model.TrialKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trialIdx++
	r.inTrial = true
	r.trialStart = r.timer.Elapsed()
	r.trial = model.TrialKey{
		SessionID: r.sessionID,
		TrialIdx:  r.trialIdx,
		CondIdx:   condIdx,
		UUID:      uuid.NewString(),
	}
	return r.trial
}

func (r *Recorder) LogTrial(flipCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inTrial {
		return
	}
	end := r.timer.Elapsed()
	r.enqueue(KindTrial, map[string]any{
		"cond_idx":   r.trial.CondIdx,
		"uuid":       r.trial.UUID,
		"start_ms":   r.trialStart.Milliseconds(),
		"end_ms":     end.Milliseconds(),
		"flip_count": flipCount,
	})
	r.inTrial = false
}

func (r *Recorder) LogLick(p model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueue(KindLick, map[string]any{"probe": int(p)})
}

func (r *Recorder) LogLiquid(p model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liquid += r.volume
	r.enqueue(KindLiquid, map[string]any{"probe": int(p), "volume_ml": r.volume})
}

func (r *Recorder) LogAir(p model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueue(KindAir, map[string]any{"probe": int(p)})
}

func (r *Recorder) LogOdor(ids []model.ProbeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	r.enqueue(KindOdor, map[string]any{"odor_idx": out})
}

func (r *Recorder) SessionState() model.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) SetSessionState(s model.SessionState) {
	r.mu.Lock()
	from := r.state
	if from == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.enqueue(KindState, map[string]any{"from": string(from), "to": string(s)})
	listeners := append([]StateListener(nil), r.listeners...)
	r.mu.Unlock()

	// Notify outside the lock; listeners may read the recorder.
	for _, fn := range listeners {
		fn(from, s)
	}
}

// OnStateChange registers fn for state transitions.
func (r *Recorder) OnStateChange(fn StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Recorder) Ping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPing = r.clock.Now()
}

// Status returns a snapshot of the setup.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Setup:        r.setup,
		SessionID:    r.sessionID,
		State:        r.state,
		LastTrial:    r.trialIdx,
		TotalLiquid:  r.liquid,
		LastPing:     r.lastPing,
		Dropped:      r.dropped.Load(),
		ConfigDigest: r.digest,
	}
}

// Close flushes queued records. Records logged afterwards are discarded.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
