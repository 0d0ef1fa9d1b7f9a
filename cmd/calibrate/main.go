package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/signalsfoundry/behavior-rig/internal/config"
	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/kb"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// dateLayout is the calibration date format.
const dateLayout = "2006-01-02"

// Config holds the settings of one calibration sweep.
type Config struct {
	TaskPath        string
	CalibrationFile string
	Setup           string
	ProbeType       string
	Probes          []model.ProbeID
	PulseDuration   time.Duration
	PulseCount      int
	PulseInterval   time.Duration
	// Weights are the measured grams per probe; when empty they are read
	// from the input after the pulses.
	Weights []float64
	Date    string
}

func main() {
	var (
		cfg     Config
		probes  string
		weights string
	)
	flag.StringVar(&cfg.TaskPath, "task", "", "Task configuration providing setup, probe backend and calibration file")
	flag.StringVar(&cfg.CalibrationFile, "file", "", "Calibration file; overrides calibration_file of the task")
	flag.StringVar(&cfg.Setup, "setup", "", "Setup name; overrides the task")
	flag.StringVar(&cfg.ProbeType, "probe-type", "", "Probe backend; overrides the task")
	flag.StringVar(&probes, "probes", "1", "Comma-separated probes to calibrate")
	flag.DurationVar(&cfg.PulseDuration, "pulse-duration", 20*time.Millisecond, "Valve opening time per pulse")
	flag.IntVar(&cfg.PulseCount, "pulse-count", 100, "Pulses per probe")
	flag.DurationVar(&cfg.PulseInterval, "pulse-interval", 200*time.Millisecond, "Pause between pulses")
	flag.StringVar(&weights, "weights", "", "Comma-separated measured weights in grams, one per probe; prompts when empty")
	flag.StringVar(&cfg.Date, "date", "", "Calibration date (YYYY-MM-DD); defaults to today")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.Probes, err = parseProbes(probes); err != nil {
		log.Error(ctx, "invalid probes", logging.Err(err))
		os.Exit(2)
	}
	if cfg.Weights, err = parseWeights(weights); err != nil {
		log.Error(ctx, "invalid weights", logging.Err(err))
		os.Exit(2)
	}

	if err := run(ctx, cfg, log, timectrl.Real{}, os.Stdin, os.Stdout); err != nil {
		log.Error(ctx, "calibration failed", logging.Err(err))
		os.Exit(1)
	}
}

// run fires the pulse sweep on every probe, collects the weights and stores
// the records.
func run(ctx context.Context, cfg Config, log logging.Logger, clock timectrl.Clock, in io.Reader, out io.Writer) error {
	var (
		backend probe.BackendConfig
		err     error
	)
	if cfg.TaskPath != "" {
		task, err := config.LoadFile(cfg.TaskPath)
		if err != nil {
			return err
		}
		backend = task.Backend
		if cfg.Setup == "" {
			cfg.Setup = task.Setup
		}
		if cfg.ProbeType == "" {
			cfg.ProbeType = task.ProbeType
		}
		if cfg.CalibrationFile == "" {
			cfg.CalibrationFile = task.CalibrationFile
		}
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.Date == "" {
		cfg.Date = clock.Now().Format(dateLayout)
	}

	store := kb.NewKnowledgeBase()
	if _, err = store.LoadFile(cfg.CalibrationFile, true); err != nil {
		return err
	}
	unsubscribe := store.Subscribe(func(ev kb.Event) {
		if ev.Type != kb.EventSampleRecorded {
			return
		}
		fmt.Fprintf(out, "probe %d: %.4f ml per pulse\n", ev.Sample.Probe, ev.Sample.VolumePerPulse())
		log.Debug(ctx, "calibration sample recorded",
			logging.Int("probe", int(ev.Sample.Probe)),
			logging.Duration("pulse_duration", ev.Sample.PulseDuration),
			logging.Float64("weight_g", ev.Sample.Weight),
		)
	})
	defer unsubscribe()

	hw, err := probe.Open(ctx, cfg.ProbeType, backend, probe.Options{Logger: log, Clock: clock})
	if err != nil {
		return fmt.Errorf("open probe backend: %w", err)
	}
	defer hw.Close()

	for _, p := range cfg.Probes {
		log.Info(ctx, "pulsing probe",
			logging.Int("probe", int(p)),
			logging.Int("pulses", cfg.PulseCount),
			logging.Duration("pulse_duration", cfg.PulseDuration),
		)
		for i := 0; i < cfg.PulseCount; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := hw.DeliverLiquid(p, cfg.PulseDuration); err != nil {
				return fmt.Errorf("pulse %d on probe %d: %w", i+1, p, err)
			}
			clock.Sleep(cfg.PulseInterval)
		}
	}
	if err := hw.Flush(); err != nil {
		return fmt.Errorf("flush pulses: %w", err)
	}

	weights := cfg.Weights
	if len(weights) == 0 {
		if weights, err = promptWeights(cfg.Probes, in, out); err != nil {
			return err
		}
	}

	for i, p := range cfg.Probes {
		sample := model.CalibrationSample{
			Setup:         cfg.Setup,
			Probe:         p,
			Date:          cfg.Date,
			PulseDuration: cfg.PulseDuration,
			PulseCount:    cfg.PulseCount,
			Weight:        weights[i],
		}
		if err := store.AddSample(sample); err != nil {
			return fmt.Errorf("record probe %d: %w", p, err)
		}
	}
	if err := store.SaveFile(cfg.CalibrationFile); err != nil {
		return err
	}
	log.Info(ctx, "calibration saved",
		logging.String("path", cfg.CalibrationFile),
		logging.String("date", cfg.Date),
	)
	return nil
}

func (c Config) validate() error {
	switch {
	case c.CalibrationFile == "":
		return errors.New("no calibration file")
	case c.Setup == "":
		return errors.New("no setup")
	case c.ProbeType == "":
		return errors.New("no probe backend")
	case len(c.Probes) == 0:
		return errors.New("no probes")
	case c.PulseDuration <= 0 || c.PulseCount <= 0:
		return fmt.Errorf("pulse duration %v and count %d must be positive", c.PulseDuration, c.PulseCount)
	case len(c.Weights) != 0 && len(c.Weights) != len(c.Probes):
		return fmt.Errorf("%d weights for %d probes", len(c.Weights), len(c.Probes))
	}
	return nil
}

func promptWeights(probes []model.ProbeID, in io.Reader, out io.Writer) ([]float64, error) {
	scanner := bufio.NewScanner(in)
	weights := make([]float64, 0, len(probes))
	for _, p := range probes {
		fmt.Fprintf(out, "weight collected from probe %d (g): ", p)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("read weight: %w", err)
			}
			return nil, fmt.Errorf("read weight: no input for probe %d", p)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
		if err != nil {
			return nil, fmt.Errorf("weight for probe %d: %w", p, err)
		}
		weights = append(weights, w)
	}
	return weights, nil
}

func parseProbes(s string) ([]model.ProbeID, error) {
	var out []model.ProbeID
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("probe %q: %w", field, err)
		}
		p := model.ProbeID(n)
		if !p.Valid() {
			return nil, fmt.Errorf("probe %d: %w", n, probe.ErrUnknownProbe)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseWeights(s string) ([]float64, error) {
	var out []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		w, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", field, err)
		}
		out = append(out, w)
	}
	return out, nil
}
