package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/signalsfoundry/behavior-rig/model"
)

// calibrationJSON is the persisted record shape; pulse_duration is in ms.
type calibrationJSON struct {
	Setup         string  `json:"setup"`
	Probe         int     `json:"probe"`
	Date          string  `json:"date"`
	PulseDuration float64 `json:"pulse_duration"`
	PulseCount    int     `json:"pulse_count"`
	Weight        float64 `json:"weight"`
}

// Load reads a JSON array of calibration records from r into the KB.
func (kb *KnowledgeBase) Load(r io.Reader) (int, error) {
	var records []calibrationJSON
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("decode calibration records: %w", err)
	}
	for i, rec := range records {
		s := model.CalibrationSample{
			Setup:         rec.Setup,
			Probe:         model.ProbeID(rec.Probe),
			Date:          rec.Date,
			PulseDuration: time.Duration(rec.PulseDuration * float64(time.Millisecond)),
			PulseCount:    rec.PulseCount,
			Weight:        rec.Weight,
		}
		if err := kb.AddSample(s); err != nil {
			return i, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return len(records), nil
}

// Save writes every sample as a JSON array to w.
func (kb *KnowledgeBase) Save(w io.Writer) error {
	samples := kb.Samples()
	records := make([]calibrationJSON, 0, len(samples))
	for _, s := range samples {
		records = append(records, calibrationJSON{
			Setup:         s.Setup,
			Probe:         int(s.Probe),
			Date:          s.Date,
			PulseDuration: float64(s.PulseDuration) / float64(time.Millisecond),
			PulseCount:    s.PulseCount,
			Weight:        s.Weight,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// LoadFile loads calibration records from path. A missing file is not an
// error when allowMissing is set.
func (kb *KnowledgeBase) LoadFile(path string, allowMissing bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && allowMissing {
			return 0, nil
		}
		return 0, fmt.Errorf("open calibration file: %w", err)
	}
	defer f.Close()
	return kb.Load(f)
}

// SaveFile writes the KB to path through a temporary file and rename.
func (kb *KnowledgeBase) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".calibration-*.json")
	if err != nil {
		return fmt.Errorf("create temp calibration file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := kb.Save(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write calibration file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close calibration file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace calibration file: %w", err)
	}
	return nil
}
