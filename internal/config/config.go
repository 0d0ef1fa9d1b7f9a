// Package config loads and validates the task configuration of a session.
package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/internal/probe"
	"github.com/signalsfoundry/behavior-rig/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

//go:embed schema.json
var schemaJSON []byte

// Defaults applied to unset keys. Durations in the file are milliseconds.
const (
	DefaultStimType         = "NoStimulus"
	DefaultRandomization    = "block"
	DefaultAirpuffDuration  = 400 * time.Millisecond
	DefaultTimeoutDuration  = 4 * time.Second
	DefaultSilenceThreshold = 2 * time.Minute
	DefaultTrialTick        = 10 * time.Millisecond
	DefaultSerialPort       = "/dev/ttyUSB0"
)

// Task is a validated task configuration.
type Task struct {
	Setup         string
	Experiment    string
	ProbeType     string
	StimType      string
	Randomization core.Randomization

	AirpuffDuration  time.Duration
	TimeoutDuration  time.Duration
	SilenceThreshold time.Duration
	// ReadyWait is the continuous hold required before a trial starts.
	ReadyWait time.Duration
	// TrialWait is the delay before responses count.
	TrialWait        time.Duration
	TrialTick        time.Duration
	InterlockTimeout time.Duration

	// RewardAmount is the reward volume in µl.
	RewardAmount float64

	CalibrationFile string
	SessionLog      string

	Conditions *model.ConditionSet
	Backend    probe.BackendConfig

	// Digest is the sha256 of the canonical (RFC 8785) JSON form of the file.
	Digest string
	// Raw is the file content as JSON, for the session record.
	Raw map[string]any
}

// RewardVolumeML converts the reward amount to ml.
func (t Task) RewardVolumeML() float64 { return t.RewardAmount / 1000 }

type fileConfig struct {
	Setup            string             `yaml:"setup"`
	Experiment       string             `yaml:"experiment"`
	ProbeType        string             `yaml:"probe_type"`
	StimType         string             `yaml:"stim_type"`
	Randomization    string             `yaml:"randomization"`
	AirpuffDuration  *float64           `yaml:"airpuff_duration"`
	TimeoutDuration  *float64           `yaml:"timeout_duration"`
	SilenceThreshold *float64           `yaml:"silence_thr"`
	InitDuration     float64            `yaml:"init_duration"`
	DelayDuration    float64            `yaml:"delay_duration"`
	RewardAmount     float64            `yaml:"reward_amount"`
	TrialTick        float64            `yaml:"trial_tick"`
	InterlockTimeout float64            `yaml:"interlock_timeout"`
	CalibrationFile  string             `yaml:"calibration_file"`
	SessionLog       string             `yaml:"session_log"`
	ConditionsFile   string             `yaml:"conditions_file"`
	Conditions       []map[string]any   `yaml:"conditions"`
	Factors          []map[string][]any `yaml:"factors"`
	Serial           serialConfig       `yaml:"serial"`
	GPIO             gpioConfig         `yaml:"gpio"`
}

type serialConfig struct {
	Port         string  `yaml:"port"`
	BaudRate     int     `yaml:"baud_rate"`
	PollInterval float64 `yaml:"poll_interval"`
	ReadyLine    string  `yaml:"ready_line"`
	// PositionOnRTS repurposes the probe 2 valve line as the arm position
	// output.
	PositionOnRTS bool `yaml:"position_on_rts"`
}

// gpioConfig lists pin names by probe, starting at probe 1.
type gpioConfig struct {
	Lick   []string `yaml:"lick"`
	Liquid []string `yaml:"liquid"`
	Air    []string `yaml:"air"`
	Ready  string   `yaml:"ready"`
	Engage string   `yaml:"engage"`
}

// LoadFile reads a task from path. A relative conditions_file,
// calibration_file or session_log resolves against the file's directory.
func LoadFile(path string) (Task, error) {
	// #nosec G304 -- task path is explicit operator input.
	content, err := os.ReadFile(path)
	if err != nil {
		return Task{}, fmt.Errorf("read task config: %w", err)
	}
	return Load(content, filepath.Dir(path))
}

// Load parses, validates and normalizes a YAML (or JSON) task document.
func Load(content []byte, baseDir string) (Task, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return Task{}, fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}
	asJSON, err := yaml.YAMLToJSON(content)
	if err != nil {
		return Task{}, fmt.Errorf("%w: parse: %v", ErrInvalidConfig, err)
	}
	if err := validateSchema(asJSON); err != nil {
		return Task{}, err
	}
	digest, err := digestJSON(asJSON)
	if err != nil {
		return Task{}, fmt.Errorf("%w: canonicalize: %v", ErrInvalidConfig, err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return Task{}, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	var rawMap map[string]any
	if err := yaml.Unmarshal(asJSON, &rawMap); err != nil {
		return Task{}, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}

	task, err := raw.normalize(baseDir)
	if err != nil {
		return Task{}, err
	}
	task.Digest = digest
	task.Raw = rawMap
	return task, nil
}

func validateSchema(data []byte) error {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile task schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: schema validation failed: %v", ErrInvalidConfig, result.Errors)
}

func digestJSON(data []byte) (string, error) {
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func msOr(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return ms(*v)
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func (c fileConfig) normalize(baseDir string) (Task, error) {
	task := Task{
		Setup:            strings.TrimSpace(c.Setup),
		Experiment:       strings.TrimSpace(c.Experiment),
		ProbeType:        strings.TrimSpace(c.ProbeType),
		StimType:         strings.TrimSpace(c.StimType),
		AirpuffDuration:  msOr(c.AirpuffDuration, DefaultAirpuffDuration),
		TimeoutDuration:  msOr(c.TimeoutDuration, DefaultTimeoutDuration),
		SilenceThreshold: msOr(c.SilenceThreshold, DefaultSilenceThreshold),
		ReadyWait:        ms(c.InitDuration),
		TrialWait:        ms(c.DelayDuration),
		TrialTick:        ms(c.TrialTick),
		InterlockTimeout: ms(c.InterlockTimeout),
		RewardAmount:     c.RewardAmount,
		CalibrationFile:  resolve(baseDir, c.CalibrationFile),
		SessionLog:       resolve(baseDir, c.SessionLog),
	}
	if task.StimType == "" {
		task.StimType = DefaultStimType
	}
	if task.TrialTick <= 0 {
		task.TrialTick = DefaultTrialTick
	}

	randomization := c.Randomization
	if randomization == "" {
		randomization = DefaultRandomization
	}
	mode, err := core.ParseRandomization(randomization)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	task.Randomization = mode

	conditions, err := c.conditionSet(baseDir)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	task.Conditions = conditions

	task.Backend = probe.BackendConfig{
		Serial: probe.SerialConfig{
			Port:          c.Serial.Port,
			BaudRate:      c.Serial.BaudRate,
			PollInterval:  ms(c.Serial.PollInterval),
			ReadyLine:     c.Serial.ReadyLine,
			PositionOnRTS: c.Serial.PositionOnRTS,
		},
		GPIO: probe.GPIOConfig{
			Lick:   pinMap(c.GPIO.Lick),
			Liquid: pinMap(c.GPIO.Liquid),
			Air:    pinMap(c.GPIO.Air),
			Ready:  c.GPIO.Ready,
			Engage: c.GPIO.Engage,
		},
	}
	if task.Backend.Serial.Port == "" {
		task.Backend.Serial.Port = DefaultSerialPort
	}
	return task, nil
}

func (c fileConfig) conditionSet(baseDir string) (*model.ConditionSet, error) {
	if c.ConditionsFile == "" {
		return core.BuildConditions(c.Conditions, c.Factors)
	}
	if len(c.Conditions) > 0 || len(c.Factors) > 0 {
		return nil, fmt.Errorf("conditions_file and inline conditions are mutually exclusive")
	}
	path := resolve(baseDir, c.ConditionsFile)
	// #nosec G304 -- conditions path comes from the operator's task file.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open conditions file: %w", err)
	}
	defer f.Close()
	return core.LoadConditions(f)
}

func pinMap(names []string) map[model.ProbeID]string {
	if len(names) == 0 {
		return nil
	}
	out := make(map[model.ProbeID]string, len(names))
	for i, name := range names {
		if name == "" {
			continue
		}
		out[model.ProbeID(i+1)] = name
	}
	return out
}
