package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/internal/config"
	"github.com/signalsfoundry/behavior-rig/internal/control"
	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/observability"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/internal/session"
	"github.com/signalsfoundry/behavior-rig/internal/stimulus"
	"github.com/signalsfoundry/behavior-rig/internal/trial"
	"github.com/signalsfoundry/behavior-rig/kb"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// startPollInterval is how often a session waiting to be started checks its
// state.
const startPollInterval = 500 * time.Millisecond

// Config holds the command-line settings of a rig process.
type Config struct {
	TaskPath    string
	GRPCAddress string
	HTTPAddress string
	SessionLog  string
	LogLevel    string
	LogFormat   string
	// Start puts the session in running immediately; otherwise it waits for
	// an operator to POST a state.
	Start bool
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.TaskPath, "task", "task.yaml", "Path to the task configuration (YAML or JSON)")
	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":50051", "TCP address the control gRPC server listens on")
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":9090", "HTTP address for /metrics and /state; empty disables it")
	flag.StringVar(&cfg.SessionLog, "session-log", "", "Session record file (JSONL); overrides session_log of the task")
	flag.StringVar(&cfg.LogLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")
	flag.StringVar(&cfg.LogFormat, "log-format", "", "Log format (text, json); defaults to LOG_FORMAT")
	flag.BoolVar(&cfg.Start, "start", true, "Start the session immediately")
	flag.Parse()

	log := logging.NewFromEnv()
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		log = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "rig exited", logging.Err(err))
		os.Exit(1)
	}
}

// run executes one session. It returns when the session stops or ctx is
// cancelled; backend or configuration failures are returned before the
// session starts.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	task, err := config.LoadFile(cfg.TaskPath)
	if err != nil {
		return err
	}
	if cfg.SessionLog != "" {
		task.SessionLog = cfg.SessionLog
	}
	policy, err := trial.Lookup(task.Experiment)
	if err != nil {
		return err
	}

	tracing := observability.TracingConfigFromEnv()
	tracing.Setup = task.Setup
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	rigMetrics, err := observability.NewRigCollector(reg)
	if err != nil {
		return fmt.Errorf("rig metrics: %w", err)
	}
	controlMetrics, err := observability.NewControlCollector(reg)
	if err != nil {
		return fmt.Errorf("control metrics: %w", err)
	}

	calibrator, err := loadCalibration(ctx, task, log)
	if err != nil {
		return err
	}
	for p, d := range calibrator.Durations() {
		rigMetrics.SetPulseDuration(p, d)
	}

	sink, closeSink, err := openSessionLog(task.SessionLog)
	if err != nil {
		return err
	}
	defer closeSink()
	if task.SessionLog == "" {
		log.Warn(ctx, "no session log configured; records are discarded")
	}

	recorder := session.NewRecorder(sink,
		session.WithLogger(log),
		session.WithSetup(task.Setup),
		session.WithRewardVolume(task.RewardVolumeML()),
	)
	defer recorder.Close()
	recorder.OnStateChange(func(_, to model.SessionState) { rigMetrics.SetSessionState(to) })
	rigMetrics.SetSessionState(recorder.SessionState())

	hw, err := probe.Open(ctx, task.ProbeType, task.Backend, probe.Options{
		Logger:           log,
		Events:           recorder,
		Metrics:          rigMetrics,
		Calibrator:       calibrator,
		InterlockTimeout: task.InterlockTimeout,
	})
	if err != nil {
		return fmt.Errorf("open probe backend: %w", err)
	}
	defer hw.Close()

	stim, err := stimulus.New(task.StimType, stimulus.Deps{Logger: recorder, Probe: hw, Log: log})
	if err != nil {
		return err
	}

	sessionID := recorder.LogSession(session.Info{
		Setup:         task.Setup,
		Experiment:    task.Experiment,
		ProbeType:     task.ProbeType,
		StimType:      task.StimType,
		Randomization: string(task.Randomization),
		ConfigDigest:  task.Digest,
		Params:        task.Raw,
	})
	ctx = logging.ContextWithSessionID(ctx, sessionID)
	log.Info(ctx, "session opened",
		logging.String("setup", task.Setup),
		logging.String("experiment", task.Experiment),
		logging.String("config_digest", task.Digest),
		logging.Int("conditions", task.Conditions.Len()),
	)

	ctrl, err := trial.NewController(policy, trial.Params{
		Randomization:    task.Randomization,
		AirpuffDuration:  task.AirpuffDuration,
		Timeout:          task.TimeoutDuration,
		SilenceThreshold: task.SilenceThreshold,
		ReadyWait:        task.ReadyWait,
		TrialWait:        task.TrialWait,
		Tick:             task.TrialTick,
	}, task.Conditions, trial.Deps{
		Logger:   recorder,
		Probe:    hw,
		Stimulus: stim,
		Clock:    timectrl.Real{},
		Log:      log,
		Metrics:  rigMetrics,
	})
	if err != nil {
		return err
	}

	ctrlSrv := control.New(recorder, controlMetrics,
		control.WithLogger(log),
		control.WithMetricsHandler(observability.HandlerFor(reg)),
		control.WithPhase(func() string { return string(ctrl.Phase()) }),
	)
	recorder.OnStateChange(ctrlSrv.OnStateChange)
	go func() {
		if err := ctrlSrv.Serve(lis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	defer ctrlSrv.Stop()

	httpSrv := serveHTTP(cfg.HTTPAddress, ctrlSrv.Handler(), log)
	defer func() {
		if httpSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if cfg.Start {
		recorder.SetSessionState(model.StateRunning)
	}
	if !awaitStart(ctx, recorder) {
		log.Info(ctx, "session not started")
		return nil
	}

	if err := trial.NewRunner(ctrl).Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		recorder.SetSessionState(model.StateStopped)
	}
	status := recorder.Status()
	log.Info(ctx, "session closed",
		logging.Int("trials", status.LastTrial),
		logging.Float64("liquid_ml", status.TotalLiquid),
		logging.String("state", string(status.State)),
	)
	return nil
}

// awaitStart blocks until the session leaves ready. It reports whether the
// session is active.
func awaitStart(ctx context.Context, rec *session.Recorder) bool {
	for ctx.Err() == nil {
		st := rec.SessionState()
		if st != model.StateReady {
			return st.Active()
		}
		select {
		case <-ctx.Done():
		case <-time.After(startPollInterval):
		}
	}
	return false
}

func loadCalibration(ctx context.Context, task config.Task, log logging.Logger) (*core.PulseCalibrator, error) {
	store := kb.NewKnowledgeBase()
	if task.CalibrationFile != "" {
		n, err := store.LoadFile(task.CalibrationFile, false)
		if err != nil {
			return nil, err
		}
		log.Info(ctx, "loaded calibration",
			logging.String("path", task.CalibrationFile),
			logging.Int("records", n),
		)
	}
	curves := store.LatestCurves(task.Setup)
	if len(curves) == 0 {
		log.Warn(ctx, "no calibration for setup; rewards need explicit durations", logging.String("setup", task.Setup))
	}
	calibrator, err := core.NewPulseCalibrator(curves, task.RewardVolumeML())
	if err != nil {
		return nil, fmt.Errorf("calibrate pulses: %w", err)
	}
	for p, d := range calibrator.Durations() {
		log.Debug(ctx, "pulse duration",
			logging.Int("probe", int(p)),
			logging.Duration("duration", d),
		)
	}
	return calibrator, nil
}

func openSessionLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create session log dir: %w", err)
	}
	// #nosec G304 -- session log path is explicit operator input.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open session log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func serveHTTP(addr string, handler http.Handler, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "HTTP server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving /metrics and /state", logging.String("addr", addr))
	return srv
}
