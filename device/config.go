package device

import (
	"time"

	"github.com/arloliu/go-termcom/errs"
)

// Kind is the protocol kind of a device link, used as the transport registry key.
type Kind string

const (
	// KindSerial selects the serial line transport.
	KindSerial Kind = "serial"
	// KindTCP selects the TCP transport.
	KindTCP Kind = "tcp"
)

// Parity is the serial parity mode.
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// FlowControl is the serial flow control mode.
type FlowControl string

const (
	FlowControlNone     FlowControl = "none"
	FlowControlHardware FlowControl = "hardware"
	FlowControlSoftware FlowControl = "software"
)

// Default values applied by the configuration layer when a field is omitted.
const (
	DefaultDataBits       = 8
	DefaultStopBits       = 1
	DefaultTCPTimeout     = 3 * time.Second
	DefaultCommandTimeout = 1 * time.Second
)

// Config describes one device. Exactly one of Serial and TCP is set.
type Config struct {
	Name        string
	Description string
	Serial      *SerialConfig
	TCP         *TCPConfig
	Commands    []CommandTemplate
}

// SerialConfig is the serial line link of a device.
type SerialConfig struct {
	Port        string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      Parity
	FlowControl FlowControl
}

// TCPConfig is the TCP link of a device.
type TCPConfig struct {
	Host string
	Port int
	// Timeout bounds dialing in client mode. Zero means DefaultTCPTimeout.
	Timeout   time.Duration
	KeepAlive bool
	// Server binds Host:Port and accepts one peer per session instead of dialing.
	Server bool
}

// NewSerial returns a serial device config with default framing: 8 data bits, 1 stop bit,
// no parity and no flow control.
func NewSerial(name, port string, baudRate int) *Config {
	return &Config{
		Name: name,
		Serial: &SerialConfig{
			Port:        port,
			BaudRate:    baudRate,
			DataBits:    DefaultDataBits,
			StopBits:    DefaultStopBits,
			Parity:      ParityNone,
			FlowControl: FlowControlNone,
		},
	}
}

// NewTCP returns a TCP client device config with the default dial timeout.
func NewTCP(name, host string, port int) *Config {
	return &Config{
		Name: name,
		TCP: &TCPConfig{
			Host:    host,
			Port:    port,
			Timeout: DefaultTCPTimeout,
		},
	}
}

// Kind returns the protocol kind of the device link, or an empty Kind when no link is set.
func (c *Config) Kind() Kind {
	switch {
	case c.Serial != nil:
		return KindSerial
	case c.TCP != nil:
		return KindTCP
	default:
		return ""
	}
}

// Command returns the command template with the given name.
func (c *Config) Command(name string) (CommandTemplate, bool) {
	for _, cmd := range c.Commands {
		if cmd.Name == name {
			return cmd, true
		}
	}

	return CommandTemplate{}, false
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	cp := *c
	if c.Serial != nil {
		s := *c.Serial
		cp.Serial = &s
	}
	if c.TCP != nil {
		t := *c.TCP
		cp.TCP = &t
	}
	if c.Commands != nil {
		cp.Commands = make([]CommandTemplate, len(c.Commands))
		copy(cp.Commands, c.Commands)
	}

	return &cp
}

// Validate checks the config and returns an InvalidInput error describing the first violation.
func (c *Config) Validate() error {
	const op = "device.validate"

	if c == nil {
		return errs.New(errs.KindInvalidInput, op, "device config is nil")
	}
	if c.Name == "" {
		return errs.New(errs.KindInvalidInput, op, "device name is empty")
	}
	if c.Serial != nil && c.TCP != nil {
		return errs.New(errs.KindInvalidInput, op, "device %q has both serial and tcp links", c.Name)
	}

	switch {
	case c.Serial != nil:
		if err := c.Serial.validate(); err != nil {
			return errs.New(errs.KindInvalidInput, op, "device %q: %s", c.Name, err)
		}
	case c.TCP != nil:
		if err := c.TCP.validate(); err != nil {
			return errs.New(errs.KindInvalidInput, op, "device %q: %s", c.Name, err)
		}
	default:
		return errs.New(errs.KindInvalidInput, op, "device %q has no link", c.Name)
	}

	seen := make(map[string]struct{}, len(c.Commands))
	for _, cmd := range c.Commands {
		if err := cmd.Validate(); err != nil {
			return err
		}
		if _, ok := seen[cmd.Name]; ok {
			return errs.New(errs.KindInvalidInput, op, "device %q: duplicate command %q", c.Name, cmd.Name)
		}
		seen[cmd.Name] = struct{}{}
	}

	return nil
}

type invalidField string

func (e invalidField) Error() string { return string(e) }

func (s *SerialConfig) validate() error {
	switch {
	case s.Port == "":
		return invalidField("serial port is empty")
	case s.BaudRate <= 0:
		return invalidField("baud rate must be positive")
	case s.DataBits < 5 || s.DataBits > 8:
		return invalidField("data bits must be between 5 and 8")
	case s.StopBits != 1 && s.StopBits != 2:
		return invalidField("stop bits must be 1 or 2")
	}

	switch s.Parity {
	case "", ParityNone, ParityOdd, ParityEven:
	default:
		return invalidField("unknown parity " + string(s.Parity))
	}

	switch s.FlowControl {
	case "", FlowControlNone, FlowControlHardware, FlowControlSoftware:
	default:
		return invalidField("unknown flow control " + string(s.FlowControl))
	}

	return nil
}

func (t *TCPConfig) validate() error {
	switch {
	case t.Host == "" && !t.Server:
		return invalidField("tcp host is empty")
	case t.Port <= 0 || t.Port > 65535:
		return invalidField("tcp port must be between 1 and 65535")
	case t.Timeout < 0:
		return invalidField("tcp timeout is negative")
	}

	return nil
}
