package probe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/signalsfoundry/behavior-rig/model"
)

// fakePort flags any overlapping access to the modem lines.
type fakePort struct {
	mu       sync.Mutex
	dsr, cts bool
	dcd      bool
	dtr, rts bool
	dtrLog   []bool
	rtsLog   []bool
	closed   bool

	inside    atomic.Int32
	violation atomic.Bool
}

func (f *fakePort) enter() {
	if f.inside.Add(1) > 1 {
		f.violation.Store(true)
	}
}

func (f *fakePort) leave() { f.inside.Add(-1) }

func (f *fakePort) SetDTR(v bool) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtr = v
	f.dtrLog = append(f.dtrLog, v)
	return nil
}

func (f *fakePort) SetRTS(v bool) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rts = v
	f.rtsLog = append(f.rtsLog, v)
	return nil
}

func (f *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	f.enter()
	defer f.leave()
	time.Sleep(20 * time.Microsecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return &serial.ModemStatusBits{DSR: f.dsr, CTS: f.cts, DCD: f.dcd}, nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) set(fn func(*fakePort)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func TestSerialDetectsLicksOnStatusLines(t *testing.T) {
	port := &fakePort{}
	events := &recordingEvents{}
	s, err := newSerialWithPort(context.Background(), port, SerialConfig{Port: "fake"}, Options{Events: events})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}
	defer s.Close()

	port.set(func(f *fakePort) { f.cts = true })
	if !eventually(t, time.Second, func() bool { return events.lickCount() > 0 }) {
		t.Fatalf("lick on CTS was never detected")
	}
	port.set(func(f *fakePort) { f.cts = false })
	if got := s.DetectLick(); got != 2 {
		t.Fatalf("DetectLick = %v, want 2", got)
	}
}

func TestSerialHeldLineRetriggersAfterDebounce(t *testing.T) {
	port := &fakePort{}
	events := &recordingEvents{}
	s, err := newSerialWithPort(context.Background(), port, SerialConfig{Port: "fake"}, Options{Events: events})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}
	defer s.Close()

	port.set(func(f *fakePort) { f.dsr = true })
	time.Sleep(100 * time.Millisecond)
	if got := events.lickCount(); got != 1 {
		t.Fatalf("held line produced %d licks within the debounce window, want 1", got)
	}
	if !eventually(t, time.Second, func() bool { return events.lickCount() >= 2 }) {
		t.Fatalf("held line should re-trigger once the debounce window passes")
	}
}

func TestSerialReadyLine(t *testing.T) {
	port := &fakePort{}
	s, err := newSerialWithPort(context.Background(), port, SerialConfig{Port: "fake", ReadyLine: "dcd"}, Options{})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}
	defer s.Close()

	port.set(func(f *fakePort) { f.dcd = true })
	if !eventually(t, time.Second, func() bool { ready, _ := s.IsReady(); return ready }) {
		t.Fatalf("DCD high should report ready")
	}

	if _, err := newSerialWithPort(context.Background(), &fakePort{}, SerialConfig{ReadyLine: "dtr"}, Options{}); err == nil {
		t.Fatalf("unknown ready line should be rejected")
	}
}

func TestSerialPulseIsInterlockedWithPolling(t *testing.T) {
	port := &fakePort{}
	s, err := newSerialWithPort(context.Background(), port, SerialConfig{Port: "fake", PositionOnRTS: true}, Options{})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}

	for range 20 {
		if err := s.DeliverLiquid(1, 2*time.Millisecond); err != nil {
			t.Fatalf("DeliverLiquid: %v", err)
		}
		if err := s.Engage(); err != nil {
			t.Fatalf("Engage: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if port.violation.Load() {
		t.Fatalf("poller and actuation accessed the port concurrently")
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	// reset at open, 20 pulses, lowered at close
	if len(port.dtrLog) != 42 {
		t.Fatalf("DTR toggled %d times, want 42", len(port.dtrLog))
	}
	for i := 1; i <= 40; i += 2 {
		if !port.dtrLog[i] || port.dtrLog[i+1] {
			t.Fatalf("pulse %d did not raise then lower DTR: %v", (i+1)/2, port.dtrLog)
		}
	}
	if port.dtr || port.rts || !port.closed {
		t.Fatalf("Close should lower outputs and close the port")
	}
}

func TestSerialRTSDrivesProbeTwoValve(t *testing.T) {
	port := &fakePort{}
	s, err := newSerialWithPort(context.Background(), port, SerialConfig{Port: "fake"}, Options{})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}
	defer s.Close()

	if err := s.Engage(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Engage = %v, want ErrUnsupported", err)
	}
	if err := s.Disengage(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Disengage = %v, want ErrUnsupported", err)
	}
	if err := s.DeliverLiquid(2, time.Millisecond); err != nil {
		t.Fatalf("DeliverLiquid(2): %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	// reset at open, then one pulse
	if len(port.rtsLog) != 3 || port.rtsLog[0] || !port.rtsLog[1] || port.rtsLog[2] {
		t.Fatalf("RTS log = %v, want [false true false]", port.rtsLog)
	}
}

func TestSerialRTSPositionsArm(t *testing.T) {
	port := &fakePort{}
	events := &recordingEvents{}
	s, err := newSerialWithPort(context.Background(), port, SerialConfig{Port: "fake", PositionOnRTS: true}, Options{Events: events})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}
	defer s.Close()

	if err := s.Engage(); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if err := s.DeliverLiquid(2, time.Millisecond); !errors.Is(err, ErrUnknownProbe) {
		t.Fatalf("DeliverLiquid(2) = %v, want ErrUnknownProbe", err)
	}
	if err := s.DeliverLiquid(1, time.Millisecond); err != nil {
		t.Fatalf("DeliverLiquid(1): %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	port.set(func(f *fakePort) {
		if !f.rts {
			t.Errorf("arm should stay engaged after a probe 1 reward")
		}
	})
	if got := events.liquidCount(); got != 1 {
		t.Fatalf("liquid events = %d, want 1", got)
	}

	if err := s.Disengage(); err != nil {
		t.Fatalf("Disengage: %v", err)
	}
	port.set(func(f *fakePort) {
		if f.rts {
			t.Errorf("Disengage should lower RTS")
		}
	})
}

func TestSerialUnsupportedActuations(t *testing.T) {
	s, err := newSerialWithPort(context.Background(), &fakePort{}, SerialConfig{Port: "fake"}, Options{})
	if err != nil {
		t.Fatalf("newSerialWithPort: %v", err)
	}
	defer s.Close()

	if err := s.DeliverAir(1, time.Millisecond); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("DeliverAir = %v, want ErrUnsupported", err)
	}
	if err := s.DeliverOdor([]model.ProbeID{1}, []time.Duration{time.Millisecond}, []float64{50}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("DeliverOdor = %v, want ErrUnsupported", err)
	}
}
