package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/behavior-rig/core"
	"github.com/signalsfoundry/behavior-rig/model"
)

const centerPortTask = `
setup: rig-3
experiment: CenterPort
probe_type: gpio
stim_type: Odors
randomization: bias
airpuff_duration: 200
timeout_duration: 3000
silence_thr: 60000
init_duration: 300
delay_duration: 500
reward_amount: 4
interlock_timeout: 50
factors:
  - probe: [1, 2]
    odor_idx: [[1], [2]]
gpio:
  lick: [GPIO17, GPIO27]
  liquid: [GPIO22, GPIO23]
  ready: GPIO9
`

func TestLoadCenterPortTask(t *testing.T) {
	task, err := Load([]byte(centerPortTask), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if task.Setup != "rig-3" || task.Experiment != "CenterPort" || task.ProbeType != "gpio" {
		t.Fatalf("identity fields = %+v", task)
	}
	if task.Randomization != core.RandomizeBias {
		t.Fatalf("Randomization = %q, want bias", task.Randomization)
	}
	if task.ReadyWait != 300*time.Millisecond || task.TrialWait != 500*time.Millisecond {
		t.Fatalf("ReadyWait/TrialWait = %v/%v", task.ReadyWait, task.TrialWait)
	}
	if task.TimeoutDuration != 3*time.Second || task.AirpuffDuration != 200*time.Millisecond {
		t.Fatalf("Timeout/Airpuff = %v/%v", task.TimeoutDuration, task.AirpuffDuration)
	}
	if task.InterlockTimeout != 50*time.Millisecond {
		t.Fatalf("InterlockTimeout = %v", task.InterlockTimeout)
	}
	if task.TrialTick != DefaultTrialTick {
		t.Fatalf("TrialTick = %v, want default %v", task.TrialTick, DefaultTrialTick)
	}
	if got := task.RewardVolumeML(); got != 0.004 {
		t.Fatalf("RewardVolumeML = %v, want 0.004", got)
	}
	if task.Conditions.Len() != 4 {
		t.Fatalf("conditions = %d, want 4", task.Conditions.Len())
	}
	if got := task.Conditions.DistinctProbes(); len(got) != 2 {
		t.Fatalf("distinct probes = %v", got)
	}
	if task.Backend.GPIO.Lick[2] != "GPIO27" || task.Backend.GPIO.Liquid[1] != "GPIO22" {
		t.Fatalf("gpio pins = %+v", task.Backend.GPIO)
	}
	if task.Backend.GPIO.Air != nil {
		t.Fatalf("air pins = %v, want none", task.Backend.GPIO.Air)
	}
	if task.Backend.Serial.Port != DefaultSerialPort {
		t.Fatalf("serial port = %q", task.Backend.Serial.Port)
	}
	if len(task.Digest) != 64 {
		t.Fatalf("digest = %q, want 64 hex chars", task.Digest)
	}
	if task.Raw["setup"] != "rig-3" {
		t.Fatalf("raw setup = %v", task.Raw["setup"])
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	task, err := Load([]byte("setup: a\nexperiment: FreeWater\nprobe_type: sim\nreward_amount: 2.5\nconditions:\n  - probe: 1\n"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if task.StimType != DefaultStimType {
		t.Fatalf("StimType = %q", task.StimType)
	}
	if task.Randomization != core.RandomizeBlock {
		t.Fatalf("Randomization = %q", task.Randomization)
	}
	if task.AirpuffDuration != DefaultAirpuffDuration ||
		task.TimeoutDuration != DefaultTimeoutDuration ||
		task.SilenceThreshold != DefaultSilenceThreshold {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if task.ReadyWait != 0 || task.InterlockTimeout != 0 {
		t.Fatalf("unset waits = %v/%v, want 0", task.ReadyWait, task.InterlockTimeout)
	}
	if task.Conditions.Probe(1) != model.ProbeID(1) {
		t.Fatalf("probe(1) = %v", task.Conditions.Probe(1))
	}
}

func TestLoadExplicitZeroTimeout(t *testing.T) {
	task, err := Load([]byte("setup: a\nexperiment: FreeWater\nprobe_type: sim\nreward_amount: 2\ntimeout_duration: 0\nconditions:\n  - probe: 1\n"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if task.TimeoutDuration != 0 {
		t.Fatalf("TimeoutDuration = %v, want 0", task.TimeoutDuration)
	}
}

func TestLoadSerialPositionLine(t *testing.T) {
	task, err := Load([]byte("setup: a\nexperiment: PassiveReward\nprobe_type: serial\nreward_amount: 2\nconditions:\n  - probe: 1\nserial:\n  port: /dev/ttyACM0\n  position_on_rts: true\n"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !task.Backend.Serial.PositionOnRTS || task.Backend.Serial.Port != "/dev/ttyACM0" {
		t.Fatalf("serial config = %+v", task.Backend.Serial)
	}
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: "   \n"},
		{name: "missing setup", doc: "experiment: X\nprobe_type: sim\nreward_amount: 1\n"},
		{name: "bad randomization", doc: "setup: a\nexperiment: X\nprobe_type: sim\nreward_amount: 1\nrandomization: shuffle\n"},
		{name: "unknown key", doc: "setup: a\nexperiment: X\nprobe_type: sim\nreward_amount: 1\nreward: 3\n"},
		{name: "negative duration", doc: "setup: a\nexperiment: X\nprobe_type: sim\nreward_amount: 1\ninit_duration: -5\n"},
		{name: "zero reward", doc: "setup: a\nexperiment: X\nprobe_type: sim\nreward_amount: 0\n"},
		{name: "no conditions", doc: "setup: a\nexperiment: X\nprobe_type: sim\nreward_amount: 1\n"},
		{name: "bad ready line", doc: "setup: a\nexperiment: X\nprobe_type: serial\nreward_amount: 1\nserial:\n  ready_line: cts\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.doc), "")
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Load error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestDigestIgnoresKeyOrderAndSyntax(t *testing.T) {
	yamlDoc := "setup: a\nexperiment: FreeWater\nprobe_type: sim\nreward_amount: 2\nconditions:\n  - probe: 1\n"
	jsonDoc := `{"conditions":[{"probe":1}],"reward_amount":2,"probe_type":"sim","experiment":"FreeWater","setup":"a"}`

	a, err := Load([]byte(yamlDoc), "")
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	b, err := Load([]byte(jsonDoc), "")
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("digests differ: %s vs %s", a.Digest, b.Digest)
	}

	c, err := Load([]byte(yamlDoc+"trial_tick: 20\n"), "")
	if err != nil {
		t.Fatalf("Load changed: %v", err)
	}
	if c.Digest == a.Digest {
		t.Fatalf("digest did not change with content")
	}
}

func TestLoadFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	conds := "conditions:\n  - probe: 2\n    odor_idx: [3]\n"
	if err := os.WriteFile(filepath.Join(dir, "conds.yaml"), []byte(conds), 0o600); err != nil {
		t.Fatalf("write conditions: %v", err)
	}
	doc := "setup: a\nexperiment: MultiProbe\nprobe_type: sim\nreward_amount: 2\n" +
		"conditions_file: conds.yaml\ncalibration_file: cal.json\nsession_log: logs/session.jsonl\n"
	path := filepath.Join(dir, "task.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write task: %v", err)
	}

	task, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if task.CalibrationFile != filepath.Join(dir, "cal.json") {
		t.Fatalf("CalibrationFile = %q", task.CalibrationFile)
	}
	if task.SessionLog != filepath.Join(dir, "logs", "session.jsonl") {
		t.Fatalf("SessionLog = %q", task.SessionLog)
	}
	if task.Conditions.Len() != 1 || task.Conditions.Probe(1) != 2 {
		t.Fatalf("conditions = %d, probe %v", task.Conditions.Len(), task.Conditions.Probe(1))
	}
}

func TestConditionsFileExcludesInlineConditions(t *testing.T) {
	doc := "setup: a\nexperiment: X\nprobe_type: sim\nreward_amount: 1\nconditions_file: c.yaml\nconditions:\n  - probe: 1\n"
	if _, err := Load([]byte(doc), t.TempDir()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestShippedConfigsLoad(t *testing.T) {
	for _, name := range []string{"multiprobe.yaml", "freewater.yaml"} {
		path := filepath.Join("..", "..", "configs", name)
		task, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile(%s): %v", name, err)
		}
		if task.Conditions.Len() == 0 {
			t.Fatalf("%s: no conditions", name)
		}
	}
}
