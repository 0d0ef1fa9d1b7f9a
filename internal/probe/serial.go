package probe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/model"
	"github.com/signalsfoundry/behavior-rig/timectrl"
)

// SerialConfig describes a rig wired to the modem-control lines of a serial
// adapter: DSR and CTS carry the probe 1 and 2 lick sensors, DTR drives the
// probe 1 valve. RTS drives either the probe 2 valve or, with PositionOnRTS,
// the probe arm.
type SerialConfig struct {
	Port         string
	BaudRate     int
	PollInterval time.Duration
	// ReadyLine selects the input wired to the position sensor: "dcd",
	// "ri" or empty for none.
	ReadyLine string
	// PositionOnRTS moves the probe arm with RTS. Only probe 1 then has a
	// valve.
	PositionOnRTS bool
}

// modemPort is the subset of serial.Port the backend uses.
type modemPort interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	GetModemStatusBits() (*serial.ModemStatusBits, error)
	Close() error
}

// Serial polls a serial adapter's modem-status lines at a fixed cadence and
// pulses its control lines. Both paths share the port, so they are
// serialized through an Interlock.
type Serial struct {
	*base

	cfg  SerialConfig
	port modemPort
	lock *Interlock

	cancel    context.CancelFunc
	done      <-chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSerial opens cfg.Port and starts the sensor poller.
func NewSerial(ctx context.Context, cfg SerialConfig, opts Options) (*Serial, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("serial backend: no port configured")
	}
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	s, err := newSerialWithPort(ctx, port, cfg, opts)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

func newSerialWithPort(ctx context.Context, port modemPort, cfg SerialConfig, opts Options) (*Serial, error) {
	switch strings.ToLower(cfg.ReadyLine) {
	case "", "dcd", "ri":
	default:
		return nil, fmt.Errorf("serial backend: unknown ready line %q", cfg.ReadyLine)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}

	s := &Serial{cfg: cfg, port: port}
	s.base = newBase(opts, "serial", s)
	s.lock = NewInterlock(s.opts.InterlockTimeout, s.opts.Metrics)

	if err := port.SetDTR(false); err != nil {
		s.base.close()
		return nil, fmt.Errorf("reset DTR: %w", err)
	}
	if err := port.SetRTS(false); err != nil {
		s.base.close()
		return nil, fmt.Errorf("reset RTS: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	poller := timectrl.NewPoller(cfg.PollInterval)
	poller.AddListener(func(time.Time) { s.poll() })
	s.cancel = cancel
	s.done = poller.Start(pollCtx)

	s.log.Info(ctx, "serial probe interface ready",
		logging.String("port", cfg.Port),
		logging.Duration("poll_interval", cfg.PollInterval),
		logging.Bool("position_on_rts", cfg.PositionOnRTS),
		logging.Duration("interlock_timeout", s.opts.InterlockTimeout),
	)
	return s, nil
}

// poll samples the sensor lines once. A tick that finds the channel busy is
// skipped and reports nothing.
func (s *Serial) poll() {
	if !s.lock.TryAcquire() {
		return
	}
	bits, err := s.port.GetModemStatusBits()
	s.lock.Release()
	if err != nil {
		s.log.Debug(context.Background(), "modem status read failed", logging.Err(err))
		return
	}

	now := s.opts.Clock.Now()
	if bits.DSR {
		s.onEdge(1, now)
	}
	if bits.CTS {
		s.onEdge(2, now)
	}
	switch strings.ToLower(s.cfg.ReadyLine) {
	case "dcd":
		s.ready.update(bits.DCD, now)
	case "ri":
		s.ready.update(bits.RI, now)
	}
}

func (s *Serial) IsReady() (bool, time.Duration) {
	return s.ready.get(s.opts.Clock.Now())
}

func (s *Serial) output(p model.ProbeID) (func(bool) error, error) {
	switch p {
	case 1:
		return s.port.SetDTR, nil
	case 2:
		if !s.cfg.PositionOnRTS {
			return s.port.SetRTS, nil
		}
	}
	return nil, fmt.Errorf("serial output for probe %d: %w", p, ErrUnknownProbe)
}

// DeliverLiquid rejects probes without a valve before queueing the pulse.
func (s *Serial) DeliverLiquid(p model.ProbeID, d time.Duration) error {
	if _, err := s.output(p); err != nil {
		return err
	}
	return s.base.DeliverLiquid(p, d)
}

func (s *Serial) supports(kind string) bool { return kind == KindLiquid }

func (s *Serial) pulse(kind string, p model.ProbeID, d time.Duration) error {
	set, err := s.output(p)
	if err != nil {
		return err
	}
	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer s.lock.Release()

	if err := set(true); err != nil {
		return err
	}
	s.opts.Clock.Sleep(d)
	return set(false)
}

func (s *Serial) pwm(model.ProbeID, time.Duration, float64) error {
	return ErrUnsupported
}

func (s *Serial) setEngaged(on bool) error {
	if !s.cfg.PositionOnRTS {
		return fmt.Errorf("probe positioning: %w", ErrUnsupported)
	}
	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer s.lock.Release()
	return s.port.SetRTS(on)
}

func (s *Serial) Engage() error    { return s.setEngaged(true) }
func (s *Serial) Disengage() error { return s.setEngaged(false) }

// Close stops the poller, lets any in-flight pulse finish, lowers both
// outputs and closes the port.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.base.close()

		_ = s.port.SetDTR(false)
		_ = s.port.SetRTS(false)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
