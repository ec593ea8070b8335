package device

import (
	"time"

	"github.com/arloliu/go-termcom/errs"
)

// GlobalConfig holds process wide settings of the communication core.
type GlobalConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// MaxSessions is the session ceiling.
	MaxSessions int
	// Timeout is the default per-operation timeout.
	Timeout time.Duration
	// HistoryLimit is the capacity of the engine wide message history.
	HistoryLimit int
}

// DefaultGlobalConfig returns the default settings: info logging, 10 sessions, 5 seconds
// operation timeout and 1000 messages of history.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		LogLevel:     "info",
		MaxSessions:  10,
		Timeout:      5 * time.Second,
		HistoryLimit: 1000,
	}
}

// Validate checks the global settings.
func (g GlobalConfig) Validate() error {
	const op = "device.global.validate"

	switch {
	case g.MaxSessions <= 0:
		return errs.New(errs.KindInvalidInput, op, "max sessions must be positive")
	case g.Timeout <= 0:
		return errs.New(errs.KindInvalidInput, op, "timeout must be positive")
	case g.HistoryLimit <= 0:
		return errs.New(errs.KindInvalidInput, op, "history limit must be positive")
	}

	switch g.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errs.New(errs.KindInvalidInput, op, "unknown log level %q", g.LogLevel)
	}

	return nil
}
