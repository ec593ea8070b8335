package comm

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
)

// SessionType describes how a session is used.
type SessionType uint8

const (
	// SessionInteractive is driven by an operator. It is the default.
	SessionInteractive SessionType = iota
	// SessionAutomated is driven by a script.
	SessionAutomated
	// SessionMonitoring only observes received traffic.
	SessionMonitoring
	// SessionTesting runs test sequences against a device.
	SessionTesting
)

// String returns string representation of the session type.
func (t SessionType) String() string {
	switch t {
	case SessionInteractive:
		return "interactive"
	case SessionAutomated:
		return "automated"
	case SessionMonitoring:
		return "monitoring"
	case SessionTesting:
		return "testing"
	default:
		return "unknown"
	}
}

// ParseSessionType parses the string form of a session type.
func ParseSessionType(name string) (SessionType, bool) {
	for t := SessionInteractive; t <= SessionTesting; t++ {
		if t.String() == name {
			return t, true
		}
	}

	return 0, false
}

// SessionConfig is the configuration a session is created from.
type SessionConfig struct {
	mu sync.RWMutex

	// name is the unique session name. Defaults to the device name.
	name string

	// sessionType describes how the session is used. Defaults to SessionInteractive.
	sessionType SessionType

	// device is a private copy of the device config. It is immutable once the session exists.
	device *device.Config

	// autoReconnect enables the reconnection policy on link loss.
	// Defaults to false.
	autoReconnect bool

	// maxReconnectAttempts caps the reconnect attempts after one link loss. It should be between 0 and 100.
	// Defaults to 3.
	maxReconnectAttempts int

	// reconnectDelay is the base delay of the exponential backoff. It should be between 0 and 10 minutes.
	// Defaults to 1 second.
	reconnectDelay time.Duration

	// timeout bounds each connect and send. Zero means the engine default.
	timeout time.Duration

	// maxHistorySize is the capacity of the session message history. It should be between 1 and 1,000,000.
	// Defaults to 1000.
	maxHistorySize int

	tags       []string
	properties map[string]string
}

// NewSessionConfig creates a session configuration for dev with the given name and optional functional options.
//
// An empty name defaults to the device name. The device config is validated and copied.
//
// Returns the initialized SessionConfig and an InvalidInput error if any option is out of range.
func NewSessionConfig(name string, dev *device.Config, opts ...SessionOption) (*SessionConfig, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}

	if name == "" {
		name = dev.Name
	}

	cfg := &SessionConfig{
		name:                 name,
		sessionType:          SessionInteractive,
		device:               dev.Clone(),
		autoReconnect:        false,
		maxReconnectAttempts: 3,
		reconnectDelay:       1 * time.Second,
		timeout:              0,
		maxHistorySize:       1000,
		properties:           make(map[string]string),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg, false); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Name returns the session name.
func (cfg *SessionConfig) Name() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.name
}

// Type returns the session type.
func (cfg *SessionConfig) Type() SessionType {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sessionType
}

// Device returns a copy of the device config.
func (cfg *SessionConfig) Device() *device.Config {
	return cfg.device.Clone()
}

// DeviceName returns the device name.
func (cfg *SessionConfig) DeviceName() string {
	return cfg.device.Name
}

// AutoReconnect reports whether the reconnection policy is enabled.
func (cfg *SessionConfig) AutoReconnect() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.autoReconnect
}

// MaxReconnectAttempts returns the reconnect attempt cap.
func (cfg *SessionConfig) MaxReconnectAttempts() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxReconnectAttempts
}

// ReconnectDelay returns the base reconnect delay.
func (cfg *SessionConfig) ReconnectDelay() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.reconnectDelay
}

// Timeout returns the per-operation timeout, zero meaning the engine default.
func (cfg *SessionConfig) Timeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.timeout
}

// MaxHistorySize returns the session history capacity.
func (cfg *SessionConfig) MaxHistorySize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxHistorySize
}

// Tags returns a copy of the tags.
func (cfg *SessionConfig) Tags() []string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return slices.Clone(cfg.tags)
}

// HasTag reports whether the session is tagged with tag.
func (cfg *SessionConfig) HasTag(tag string) bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return slices.Contains(cfg.tags, tag)
}

// Properties returns a copy of the free-form properties.
func (cfg *SessionConfig) Properties() map[string]string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return maps.Clone(cfg.properties)
}

// Update applies options to an existing config.
//
// When running is true only options that can be changed at runtime are accepted; others
// return a Session error. The config is left unchanged if any option fails.
func (cfg *SessionConfig) Update(running bool, opts ...SessionOption) error {
	draft := cfg.clone()
	for _, opt := range opts {
		if err := opt.apply(draft, running); err != nil {
			return err
		}
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	cfg.name = draft.name
	cfg.sessionType = draft.sessionType
	cfg.autoReconnect = draft.autoReconnect
	cfg.maxReconnectAttempts = draft.maxReconnectAttempts
	cfg.reconnectDelay = draft.reconnectDelay
	cfg.timeout = draft.timeout
	cfg.maxHistorySize = draft.maxHistorySize
	cfg.tags = draft.tags
	cfg.properties = draft.properties

	return nil
}

func (cfg *SessionConfig) clone() *SessionConfig {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return &SessionConfig{
		name:                 cfg.name,
		sessionType:          cfg.sessionType,
		device:               cfg.device,
		autoReconnect:        cfg.autoReconnect,
		maxReconnectAttempts: cfg.maxReconnectAttempts,
		reconnectDelay:       cfg.reconnectDelay,
		timeout:              cfg.timeout,
		maxHistorySize:       cfg.maxHistorySize,
		tags:                 slices.Clone(cfg.tags),
		properties:           maps.Clone(cfg.properties),
	}
}

// SessionOption configures a SessionConfig.
type SessionOption interface {
	apply(cfg *SessionConfig, running bool) error
}

type sessionOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*SessionConfig) error
}

func (o *sessionOptFunc) apply(cfg *SessionConfig, running bool) error {
	if cfg == nil {
		return errs.New(errs.KindInvalidInput, o.name, "session config is nil")
	}
	if running && !o.runtime {
		return errs.New(errs.KindSession, o.name, "option cannot be changed while the session is running")
	}

	return o.applyFunc(cfg)
}

func newSessionOptFunc(name string, runtime bool, f func(*SessionConfig) error) *sessionOptFunc {
	return &sessionOptFunc{name: name, runtime: runtime, applyFunc: f}
}

func invalid(op string, format string, args ...any) error {
	return errs.New(errs.KindInvalidInput, op, format, args...)
}

// WithName sets the session name.
func WithName(name string) SessionOption {
	return newSessionOptFunc("WithName", true, func(cfg *SessionConfig) error {
		if name == "" {
			return invalid("WithName", "session name is empty")
		}
		cfg.name = name

		return nil
	})
}

// WithSessionType sets the session type.
//
// This option can be changed at runtime.
func WithSessionType(t SessionType) SessionOption {
	return newSessionOptFunc("WithSessionType", true, func(cfg *SessionConfig) error {
		if t > SessionTesting {
			return invalid("WithSessionType", "unknown session type %d", t)
		}
		cfg.sessionType = t

		return nil
	})
}

// WithAutoReconnect enables or disables the reconnection policy.
//
// This option can be changed at runtime.
func WithAutoReconnect(enable bool) SessionOption {
	return newSessionOptFunc("WithAutoReconnect", true, func(cfg *SessionConfig) error {
		cfg.autoReconnect = enable
		return nil
	})
}

// WithMaxReconnectAttempts sets the reconnect attempt cap. It should be between 0 and 100.
//
// This option can be changed at runtime.
func WithMaxReconnectAttempts(n int) SessionOption {
	return newSessionOptFunc("WithMaxReconnectAttempts", true, func(cfg *SessionConfig) error {
		if n < 0 || n > 100 {
			return invalid("WithMaxReconnectAttempts", "max reconnect attempts out of range [0, 100]")
		}
		cfg.maxReconnectAttempts = n

		return nil
	})
}

// WithReconnectDelay sets the base backoff delay. The delay before attempt n (starting at 0)
// is delay * 2^n. It should be between 0 and 10 minutes.
//
// This option can be changed at runtime.
func WithReconnectDelay(delay time.Duration) SessionOption {
	return newSessionOptFunc("WithReconnectDelay", true, func(cfg *SessionConfig) error {
		if delay < 0 || delay > 10*time.Minute {
			return invalid("WithReconnectDelay", "reconnect delay out of range [0, 10m]")
		}
		cfg.reconnectDelay = delay

		return nil
	})
}

// WithTimeout sets the per-operation timeout. Zero means the engine default.
//
// This option can be changed at runtime.
func WithTimeout(timeout time.Duration) SessionOption {
	return newSessionOptFunc("WithTimeout", true, func(cfg *SessionConfig) error {
		if timeout < 0 {
			return invalid("WithTimeout", "timeout is negative")
		}
		cfg.timeout = timeout

		return nil
	})
}

// WithMaxHistorySize sets the session history capacity. It should be between 1 and 1,000,000.
//
// This option cannot be changed at runtime.
func WithMaxHistorySize(size int) SessionOption {
	return newSessionOptFunc("WithMaxHistorySize", false, func(cfg *SessionConfig) error {
		if size < 1 || size > 1_000_000 {
			return invalid("WithMaxHistorySize", "max history size out of range [1, 1000000]")
		}
		cfg.maxHistorySize = size

		return nil
	})
}

// WithTags sets the session tags, replacing existing ones.
//
// This option can be changed at runtime.
func WithTags(tags ...string) SessionOption {
	return newSessionOptFunc("WithTags", true, func(cfg *SessionConfig) error {
		for _, tag := range tags {
			if tag == "" {
				return invalid("WithTags", "empty tag")
			}
		}
		cfg.tags = slices.Clone(tags)

		return nil
	})
}

// WithProperty sets one free-form property.
//
// This option can be changed at runtime.
func WithProperty(key, value string) SessionOption {
	return newSessionOptFunc("WithProperty", true, func(cfg *SessionConfig) error {
		if key == "" {
			return invalid("WithProperty", "empty property key")
		}
		if cfg.properties == nil {
			cfg.properties = make(map[string]string)
		}
		cfg.properties[key] = value

		return nil
	})
}

// String returns a short description of the config.
func (cfg *SessionConfig) String() string {
	return fmt.Sprintf("%s(%s, %s)", cfg.Name(), cfg.device.Name, cfg.device.Kind())
}
