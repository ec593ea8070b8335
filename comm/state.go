package comm

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/logger"
)

// Status represents the lifecycle stage of a session.
type Status uint32

// Session statuses.
const (
	// StatusCreated indicates the config is validated and no transport is attached yet.
	StatusCreated Status = iota
	// StatusConnecting indicates a transport connect is in flight.
	StatusConnecting
	// StatusActive indicates the link is up and send/receive are permitted.
	StatusActive
	// StatusReconnecting indicates the link was lost and the reconnection policy is running.
	StatusReconnecting
	// StatusStopped indicates the session was disconnected cleanly or lost its link without auto reconnect.
	StatusStopped
	// StatusFailed indicates a non-transient failure or exhausted reconnect attempts.
	StatusFailed
	// StatusRemoved indicates the record was purged. It is terminal.
	StatusRemoved
)

// String returns string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusReconnecting:
		return "reconnecting"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// LogValue implements slog.LogValuer.
func (s Status) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// HasTransport reports whether a session in this status owns a transport.
func (s Status) HasTransport() bool {
	return s == StatusConnecting || s == StatusActive || s == StatusReconnecting
}

// IsRemovable reports whether a session in this status may be removed.
func (s Status) IsRemovable() bool {
	return s == StatusStopped || s == StatusFailed
}

// IsLive reports whether the status is neither Stopped, Failed nor Removed.
func (s Status) IsLive() bool {
	return s <= StatusReconnecting
}

// ParseStatus parses the string form of a status.
func ParseStatus(name string) (Status, bool) {
	for st := StatusCreated; st <= StatusRemoved; st++ {
		if st.String() == name {
			return st, true
		}
	}

	return 0, false
}

var transitions = map[Status][]Status{
	StatusCreated:      {StatusConnecting, StatusStopped, StatusFailed},
	StatusConnecting:   {StatusActive, StatusReconnecting, StatusStopped, StatusFailed},
	StatusActive:       {StatusReconnecting, StatusStopped, StatusFailed},
	StatusReconnecting: {StatusActive, StatusStopped, StatusFailed},
	StatusStopped:      {StatusConnecting, StatusRemoved},
	StatusFailed:       {StatusConnecting, StatusRemoved},
	StatusRemoved:      {},
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ErrInvalidTransition is returned when a requested status change is not allowed.
var ErrInvalidTransition = errs.New(errs.KindSession, "comm.state", "invalid status transition")

// StatusChangeHandler is invoked after the status of a session changes.
//
// Note: the handler is invoked synchronously by the goroutine that changed the status.
// Take care with long-running implementations.
type StatusChangeHandler func(s *Session, prev Status, next Status)

// stateMgr manages the status of one session. Transitions are validated against the
// transition table and are safe for concurrent use.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	status   atomic.Uint32
	session  *Session
	logger   logger.Logger
	handlers []StatusChangeHandler
}

func newStateMgr(session *Session, l logger.Logger, handlers ...StatusChangeHandler) *stateMgr {
	sm := &stateMgr{
		session:  session,
		logger:   l,
		handlers: slices.Clone(handlers),
	}
	sm.cond = sync.NewCond(&sm.mu)
	sm.status.Store(uint32(StatusCreated))

	return sm
}

// Status returns the current status.
func (sm *stateMgr) Status() Status {
	return Status(sm.status.Load())
}

func (sm *stateMgr) addHandler(handlers ...StatusChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handlers...)
}

// to moves to next. Moving to the current status is a no-op.
func (sm *stateMgr) to(next Status) error {
	sm.mu.Lock()
	prev := sm.Status()
	if prev == next {
		sm.mu.Unlock()
		return nil
	}
	if !CanTransition(prev, next) {
		sm.mu.Unlock()
		sm.logger.Debug("reject status transition", "from", prev, "to", next)

		return errs.Wrap(errs.KindSession, prev.String()+"->"+next.String(), ErrInvalidTransition)
	}
	handlers := sm.setStatus(next)
	sm.mu.Unlock()

	sm.invokeHandlers(handlers, prev, next)

	return nil
}

// cas moves from the expected status to next. It returns false when the current status
// differs from expected or the transition is not allowed.
func (sm *stateMgr) cas(expected Status, next Status) bool {
	sm.mu.Lock()
	prev := sm.Status()
	if prev != expected || !CanTransition(prev, next) {
		sm.mu.Unlock()
		return false
	}
	handlers := sm.setStatus(next)
	sm.mu.Unlock()

	sm.invokeHandlers(handlers, prev, next)

	return true
}

// waitStatus waits for the status to reach any of the given statuses or until ctx is done.
func (sm *stateMgr) waitStatus(ctx context.Context, statuses ...Status) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if slices.Contains(statuses, sm.Status()) {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stopFunc()

	for !slices.Contains(statuses, sm.Status()) {
		select {
		case <-ctx.Done():
			return errs.FromContext("comm.state.wait", ctx.Err())
		default:
			sm.cond.Wait()
		}
	}

	return nil
}

// setStatus stores the new status and wakes waiters. It must be called with mu held and
// returns the handlers to invoke.
func (sm *stateMgr) setStatus(next Status) []StatusChangeHandler {
	sm.status.Store(uint32(next))
	sm.cond.Broadcast()

	return sm.handlers
}

func (sm *stateMgr) invokeHandlers(handlers []StatusChangeHandler, prev Status, next Status) {
	for _, handler := range handlers {
		if handler != nil {
			handler(sm.session, prev, next)
		}
	}
}
