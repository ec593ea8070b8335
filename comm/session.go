package comm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/internal/task"
	"github.com/arloliu/go-termcom/logger"
	"github.com/arloliu/go-termcom/transport"
	"github.com/google/uuid"
)

// Session binds a device configuration to a transport and tracks its lifecycle, history and statistics.
//
// Sessions are created by an Engine. The transport of a session is owned by the session's own
// tasks: a receiver running while the session is Active, and a reconnect task running while it
// is Reconnecting. Nothing else reads from or writes to it.
type Session struct {
	id        string
	cfg       *SessionConfig
	engine    *Engine
	createdAt time.Time
	logger    logger.Logger

	stateMgr *stateMgr
	taskMgr  *task.Manager

	trMu sync.Mutex
	tr   transport.Transport

	// sendMu serializes writers on the transport.
	sendMu sync.Mutex

	history *history
	metrics SessionMetrics

	attempts    atomic.Int32
	activeSince atomic.Int64
	// gen identifies the current link; it changes on every transition to Active.
	gen      atomic.Uint64
	stopping atomic.Bool

	errMu   sync.RWMutex
	lastErr error
}

func newSession(e *Engine, cfg *SessionConfig) *Session {
	id := uuid.NewString()
	l := e.logger.With("session_id", id, "session", cfg.Name(), "device", cfg.DeviceName())

	s := &Session{
		id:        id,
		cfg:       cfg,
		engine:    e,
		createdAt: time.Now(),
		logger:    l,
		history:   newHistory(cfg.MaxHistorySize()),
		taskMgr:   task.NewManager(context.Background(), l),
	}
	s.stateMgr = newStateMgr(s, l, e.onStatusChange)

	return s
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Name returns the session name.
func (s *Session) Name() string { return s.cfg.Name() }

// Config returns the session configuration.
func (s *Session) Config() *SessionConfig { return s.cfg }

// DeviceName returns the name of the bound device.
func (s *Session) DeviceName() string { return s.cfg.DeviceName() }

// Kind returns the protocol kind of the bound device.
func (s *Session) Kind() device.Kind { return s.cfg.device.Kind() }

// Status returns the current status.
func (s *Session) Status() Status { return s.stateMgr.Status() }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// OnStatusChange adds handlers invoked after every status change.
func (s *Session) OnStatusChange(handlers ...StatusChangeHandler) {
	s.stateMgr.addHandler(handlers...)
}

// WaitStatus waits until the session reaches any of the given statuses or ctx is done.
func (s *Session) WaitStatus(ctx context.Context, statuses ...Status) error {
	return s.stateMgr.waitStatus(ctx, statuses...)
}

// Uptime returns how long the session has been Active, or zero when it is not Active.
func (s *Session) Uptime() time.Duration {
	since := s.activeSince.Load()
	if since == 0 || s.Status() != StatusActive {
		return 0
	}

	return time.Since(time.Unix(0, since))
}

// LastActivity returns the time of the last traffic, or the creation time when there was none.
func (s *Session) LastActivity() time.Time {
	if ts := s.metrics.lastActivity.Load(); ts > 0 {
		return time.Unix(0, ts)
	}

	return s.createdAt
}

// Statistics returns a copy of the session counters.
func (s *Session) Statistics() Statistics {
	return s.metrics.snapshot()
}

// Metrics returns the live counters of the session.
func (s *Session) Metrics() *SessionMetrics {
	return &s.metrics
}

// History returns the session messages from oldest to newest.
func (s *Session) History() []*Message {
	return s.history.snapshot()
}

// FilteredHistory returns the session messages matching p. When limit is positive only the
// newest limit matches are returned.
func (s *Session) FilteredHistory(p Pattern, limit int) []*Message {
	return s.history.filter(p, limit)
}

// HistoryLen returns the number of messages in the session history.
func (s *Session) HistoryLen() int {
	return s.history.len()
}

// ClearHistory removes all messages from the session history.
func (s *Session) ClearHistory() {
	s.history.clear()
}

// LastError returns the last failure recorded on the session.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()

	return s.lastErr
}

// ReconnectAttempts returns the attempts made since the session was last Active.
func (s *Session) ReconnectAttempts() int {
	return int(s.attempts.Load())
}

// IsConnected reports whether a transport is attached and its link is up.
func (s *Session) IsConnected() bool {
	tr := s.transport()
	return tr != nil && tr.IsConnected()
}

// SessionInfo is a read-only projection of a session for display.
type SessionInfo struct {
	ID                string
	Name              string
	DeviceName        string
	Type              SessionType
	Transport         device.Kind
	Status            Status
	CreatedAt         time.Time
	LastActivity      time.Time
	Uptime            time.Duration
	ReconnectAttempts int
	LastError         string
	HistoryLen        int
	Tags              []string
	Properties        map[string]string
	Statistics        Statistics
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:                s.id,
		Name:              s.cfg.Name(),
		DeviceName:        s.cfg.DeviceName(),
		Type:              s.cfg.Type(),
		Transport:         s.Kind(),
		Status:            s.Status(),
		CreatedAt:         s.createdAt,
		LastActivity:      s.LastActivity(),
		Uptime:            s.Uptime(),
		ReconnectAttempts: s.ReconnectAttempts(),
		HistoryLen:        s.history.len(),
		Tags:              s.cfg.Tags(),
		Properties:        s.cfg.Properties(),
		Statistics:        s.metrics.snapshot(),
	}
	if err := s.LastError(); err != nil {
		info.LastError = err.Error()
	}

	return info
}

func (s *Session) transport() transport.Transport {
	s.trMu.Lock()
	defer s.trMu.Unlock()

	return s.tr
}

func (s *Session) attach(tr transport.Transport) {
	s.trMu.Lock()
	s.tr = tr
	s.trMu.Unlock()
}

// detach disconnects and releases the transport.
func (s *Session) detach() {
	s.trMu.Lock()
	tr := s.tr
	s.tr = nil
	s.trMu.Unlock()

	if tr == nil {
		return
	}
	if err := tr.Disconnect(); err != nil {
		s.logger.Warn("failed to disconnect transport", "error", err)
	}
}

func (s *Session) setLastError(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Session) opTimeout() time.Duration {
	if t := s.cfg.Timeout(); t > 0 {
		return t
	}

	return s.engine.defaultTimeout
}

// open moves a Created, Stopped or Failed session to Connecting and connects its transport.
//
// Active clients connect synchronously. Passive (server mode) sessions wait for their peer in
// a background task and stay Connecting until it arrives. Connect failures are not returned;
// they drive the status as described by handleFailure.
func (s *Session) open(ctx context.Context) error {
	const op = "comm.session.open"

	switch st := s.Status(); st {
	case StatusConnecting, StatusActive, StatusReconnecting:
		return nil
	case StatusRemoved:
		return errs.New(errs.KindSession, op, "session %s is removed", s.id)
	}

	tr, err := s.engine.registry.Resolve(s.cfg.device)
	if err != nil {
		s.setLastError(err)
		_ = s.stateMgr.to(StatusFailed)
		return err
	}

	if err := s.stateMgr.to(StatusConnecting); err != nil {
		return err
	}
	s.stopping.Store(false)
	s.attach(tr)

	if transport.IsPassive(s.cfg.device) {
		err := s.taskMgr.Go("accept", func(ctx context.Context) {
			s.connectAndActivate(ctx, StatusConnecting, tr, false)
		})
		if err != nil {
			s.handleFailure(StatusConnecting, errs.Wrap(errs.KindSession, op, err))
		}

		return nil
	}

	// bind the connect to both the caller and the session lifetime
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.taskMgr.Context(), cancel)
	defer stop()

	s.connectAndActivate(cctx, StatusConnecting, tr, true)

	return nil
}

// connectAndActivate connects tr and moves the session from the given status to Active.
// It reports whether the session became Active.
func (s *Session) connectAndActivate(ctx context.Context, from Status, tr transport.Transport, bounded bool) bool {
	err := s.connect(ctx, tr, bounded)
	if err != nil {
		if s.stopping.Load() {
			return false
		}
		if from == StatusConnecting {
			s.handleFailure(from, err)
		} else {
			s.setLastError(err)
		}

		return false
	}

	gen := s.gen.Add(1)
	if !s.stateMgr.cas(from, StatusActive) {
		// stopped while connecting
		_ = tr.Disconnect()
		return false
	}

	s.attempts.Store(0)
	s.activeSince.Store(time.Now().UnixNano())
	s.startReceiver(tr, gen)

	return true
}

func (s *Session) connect(ctx context.Context, tr transport.Transport, bounded bool) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout())
		defer cancel()
	}

	s.logger.Debug("connect transport", "kind", tr.Kind(), "bounded", bounded)
	if err := tr.Connect(ctx, s.cfg.device); err != nil {
		s.logger.Debug("failed to connect transport", "error", err)
		return err
	}

	return nil
}

// handleFailure applies the failure policy to a failed connect or a lost link observed while
// the session was in status from:
//   - non-transient errors move the session to Failed
//   - transient errors move it to Reconnecting when auto reconnect is enabled
//   - transient errors move it to Stopped otherwise
//
// The failure is ignored if the session already left status from.
func (s *Session) handleFailure(from Status, err error) {
	if s.Status() != from {
		s.logger.Debug("ignore failure, status already changed", "from", from, "status", s.Status(), "error", err)
		return
	}

	next := StatusFailed
	if errs.IsTransient(err) {
		next = StatusStopped
		if s.cfg.AutoReconnect() {
			next = StatusReconnecting
		}
	}

	s.setLastError(err)
	s.metrics.ErrorCount.Add(1)
	s.engine.recordError(s, err)

	if next == StatusReconnecting {
		// drop the dead link but keep the transport for the reconnect attempts
		if tr := s.transport(); tr != nil {
			_ = tr.Disconnect()
		}
	}

	if !s.stateMgr.cas(from, next) {
		s.logger.Debug("ignore failure, status already changed", "from", from, "status", s.Status(), "error", err)
		return
	}

	s.logger.Warn("session link failure", "from", from, "to", next, "error", err)

	if next == StatusReconnecting {
		if err := s.taskMgr.Go("reconnect", s.reconnectLoop); err != nil {
			s.logger.Debug("reconnect not started", "error", err)
		}

		return
	}

	s.detach()
}

// linkLost handles a transport failure of the link identified by gen. Failures of a
// previous link are ignored.
func (s *Session) linkLost(gen uint64, err error) {
	if s.gen.Load() != gen || s.stopping.Load() {
		s.logger.Debug("ignore failure of stale link", "gen", gen, "error", err)
		return
	}

	s.handleFailure(StatusActive, err)
}

func (s *Session) startReceiver(tr transport.Transport, gen uint64) {
	err := s.taskMgr.Start("receiver", func(ctx context.Context) bool {
		if s.gen.Load() != gen {
			return false
		}

		data, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errs.KindOf(err) == errs.KindTimeout {
				// idle poll
				return true
			}
			s.linkLost(gen, err)

			return false
		}

		if len(data) > 0 {
			s.engine.record(s, MessageReceived, data, nil)
		}

		return true
	}, nil)
	if err != nil {
		s.logger.Debug("receiver not started", "error", err)
	}
}

// send writes data to the transport and records it as a message of type typ.
//
// A transient transport failure is absorbed: it drives the failure policy and send returns
// a nil message with a nil error.
func (s *Session) send(ctx context.Context, typ MessageType, data []byte, meta map[string]string) (*Message, error) {
	const op = "comm.session.send"

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if st := s.Status(); st != StatusActive {
		return nil, errs.New(errs.KindDeviceNotConnected, op, "session %s is %s", s.id, st)
	}

	tr := s.transport()
	if tr == nil {
		return nil, errs.New(errs.KindDeviceNotConnected, op, "session %s has no transport", s.id)
	}
	gen := s.gen.Load()

	sctx, cancel := context.WithTimeout(ctx, s.opTimeout())
	defer cancel()

	n, err := tr.Send(sctx, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// canceled by the caller, the link is fine
			return nil, errs.FromContext(op, ctxErr)
		}
		if errs.IsTransient(err) {
			s.linkLost(gen, err)
			return nil, nil //nolint:nilnil
		}

		s.setLastError(err)
		s.metrics.ErrorCount.Add(1)
		s.engine.recordError(s, err)

		return nil, err
	}

	return s.engine.record(s, typ, data[:n], meta), nil
}

// stop cancels the session tasks, disconnects the transport and moves the session to Stopped.
// Tasks get grace to finish before the transport is torn down regardless.
func (s *Session) stop(grace time.Duration) error {
	const op = "comm.session.stop"

	switch st := s.Status(); st {
	case StatusStopped, StatusFailed:
		return nil
	case StatusRemoved:
		return errs.New(errs.KindSession, op, "session %s is removed", s.id)
	}

	s.logger.Debug("stop session", "status", s.Status())
	s.stopping.Store(true)
	s.taskMgr.Stop()

	// unblock pending reads
	if tr := s.transport(); tr != nil {
		_ = tr.Disconnect()
	}

	if !s.taskMgr.WaitTimeout(grace) {
		s.logger.Warn("session tasks did not finish in time, force teardown", "grace", grace)
	}
	s.detach()

	if err := s.stateMgr.to(StatusStopped); err != nil {
		if s.Status() == StatusFailed {
			return nil
		}

		return err
	}

	return nil
}
