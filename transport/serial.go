package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/internal/util"
	"github.com/arloliu/go-termcom/logger"
	"go.bug.st/serial"
)

// DefaultSerialPoll is the read timeout of one serial poll. Receive checks its context between polls.
const DefaultSerialPoll = 100 * time.Millisecond

// PortOpener opens a serial port. serial.Open is the default.
type PortOpener func(name string, mode *serial.Mode) (serial.Port, error)

// SerialOption configures a Serial transport.
type SerialOption func(*Serial)

// WithPortOpener replaces the function used to open ports, e.g. with a loopback fake.
func WithPortOpener(open PortOpener) SerialOption {
	return func(s *Serial) {
		if open != nil {
			s.open = open
		}
	}
}

// WithSerialPoll sets the read timeout of one poll.
func WithSerialPoll(d time.Duration) SerialOption {
	return func(s *Serial) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithSerialLogger sets the logger.
func WithSerialLogger(l logger.Logger) SerialOption {
	return func(s *Serial) {
		if l != nil {
			s.logger = l
		}
	}
}

// Serial is a Transport over a serial line.
type Serial struct {
	mu        sync.Mutex
	port      serial.Port
	portName  string
	open      PortOpener
	poll      time.Duration
	connected atomic.Bool
	logger    logger.Logger
}

var _ Transport = (*Serial)(nil)

// NewSerial creates an unconnected serial transport.
func NewSerial(opts ...SerialOption) *Serial {
	s := &Serial{
		open:   serial.Open,
		poll:   DefaultSerialPoll,
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Kind returns device.KindSerial.
func (s *Serial) Kind() device.Kind {
	return device.KindSerial
}

// Connect opens and configures the serial port of cfg.
func (s *Serial) Connect(ctx context.Context, cfg *device.Config) error {
	const op = "transport.serial.connect"

	if cfg == nil || cfg.Serial == nil {
		return errs.New(errs.KindInvalidInput, op, "device has no serial link")
	}
	if err := ctx.Err(); err != nil {
		return errs.FromContext(op, err)
	}

	mode, err := serialMode(cfg.Serial)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return errs.New(errs.KindSession, op, "port %s already open", s.portName)
	}

	port, err := s.open(cfg.Serial.Port, mode)
	if err != nil {
		return mapOpenError(op, cfg.Serial.Port, err)
	}

	if err := port.SetReadTimeout(s.poll); err != nil {
		_ = port.Close()
		return errs.Wrap(errs.KindIO, op, err)
	}

	switch cfg.Serial.FlowControl {
	case device.FlowControlHardware:
		if err := port.SetRTS(true); err != nil {
			_ = port.Close()
			return errs.Wrap(errs.KindIO, op, err)
		}
	case device.FlowControlSoftware:
		s.logger.Warn("software flow control is not supported by the serial driver, using none", "port", cfg.Serial.Port)
	}

	s.port = port
	s.portName = cfg.Serial.Port
	s.connected.Store(true)
	s.logger.Debug("serial port opened", "port", s.portName, "baud_rate", mode.BaudRate)

	return nil
}

// Disconnect closes the port. It is a no-op when the port is not open.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	s.connected.Store(false)
	if port == nil {
		return nil
	}

	s.logger.Debug("close serial port", "port", s.portName)
	if err := port.Close(); err != nil {
		return errs.Wrap(errs.KindIO, "transport.serial.disconnect", err)
	}

	return nil
}

// Send writes data to the port.
func (s *Serial) Send(ctx context.Context, data []byte) (int, error) {
	const op = "transport.serial.send"

	port, err := s.activePort(op)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(op, err)
	}

	n, err := port.Write(data)
	if err != nil {
		s.connected.Store(false)
		return n, errs.Wrap(errs.KindCommunication, op, err)
	}

	return n, nil
}

// Receive polls the port until data arrives or ctx is done.
func (s *Serial) Receive(ctx context.Context) ([]byte, error) {
	const op = "transport.serial.receive"

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, errs.FromContext(op, err)
		}

		port, err := s.activePort(op)
		if err != nil {
			return nil, err
		}

		n, err := port.Read(buf)
		if err != nil {
			s.connected.Store(false)
			return nil, errs.Wrap(errs.KindCommunication, op, err)
		}
		if n > 0 {
			return util.CloneSlice(buf[:n], 0), nil
		}
		// read timeout elapsed without data
	}
}

// IsConnected reports whether the port is open and the last I/O succeeded.
func (s *Serial) IsConnected() bool {
	return s.connected.Load()
}

func (s *Serial) activePort(op string) (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil || !s.connected.Load() {
		return nil, errs.New(errs.KindCommunication, op, "serial port is not open")
	}

	return s.port, nil
}

func serialMode(cfg *device.SerialConfig) (*serial.Mode, error) {
	const op = "transport.serial.mode"

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = device.DefaultDataBits
	}

	switch cfg.Parity {
	case device.ParityNone, "":
		mode.Parity = serial.NoParity
	case device.ParityOdd:
		mode.Parity = serial.OddParity
	case device.ParityEven:
		mode.Parity = serial.EvenParity
	default:
		return nil, errs.New(errs.KindInvalidInput, op, "unknown parity %q", cfg.Parity)
	}

	switch cfg.StopBits {
	case 1, 0:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, errs.New(errs.KindInvalidInput, op, "unsupported stop bits %d", cfg.StopBits)
	}

	return mode, nil
}

func mapOpenError(op string, port string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() { //nolint:exhaustive
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
			return errs.Wrap(errs.KindInvalidInput, op, err)
		}
	}

	return &errs.Error{Kind: errs.KindDeviceNotConnected, Op: op, Msg: "cannot open " + port, Err: err}
}

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "transport.serial.list", err)
	}

	return ports, nil
}
