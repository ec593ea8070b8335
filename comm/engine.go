package comm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/internal/util"
	"github.com/arloliu/go-termcom/logger"
	"github.com/arloliu/go-termcom/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Engine defaults.
const (
	DefaultHistoryLimit  = 1000
	DefaultTimeout       = 5 * time.Second
	DefaultShutdownGrace = 2 * time.Second
)

// Engine routes traffic between callers and sessions. It owns the session table, assigns
// message ids, keeps the global history and broadcasts every message to the feed.
//
// An Engine is created stopped. Every operation except the read-only queries fails with a
// Communication error until Start is called.
type Engine struct {
	logger         logger.Logger
	registry       *transport.Registry
	sessions       *xsync.MapOf[string, *Session]
	history        *history
	historyLimit   int
	feed           *Feed
	seq            sequencer
	defaultTimeout time.Duration
	shutdownGrace  time.Duration
	handlers       []StatusChangeHandler

	// recordMu keeps id order, history order and publish order identical.
	recordMu sync.Mutex
	metrics  engineMetrics

	running   atomic.Bool
	startedAt atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Sessions derive their loggers from it.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRegistry sets the transport registry used to resolve device kinds.
func WithRegistry(r *transport.Registry) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithHistoryLimit sets the capacity of the global history.
func WithHistoryLimit(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.historyLimit = limit
		}
	}
}

// WithDefaultTimeout sets the operation timeout used by sessions that configure none.
func WithDefaultTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.defaultTimeout = timeout
		}
	}
}

// WithShutdownGrace sets how long a closing session waits for its tasks before it is torn down.
func WithShutdownGrace(grace time.Duration) EngineOption {
	return func(e *Engine) {
		if grace > 0 {
			e.shutdownGrace = grace
		}
	}
}

// WithStatusHandler adds handlers invoked after the status of any session changes.
func WithStatusHandler(handlers ...StatusChangeHandler) EngineOption {
	return func(e *Engine) {
		e.handlers = append(e.handlers, handlers...)
	}
}

// NewEngine creates a stopped engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:         logger.GetLogger(),
		sessions:       xsync.NewMapOf[string, *Session](),
		historyLimit:   DefaultHistoryLimit,
		feed:           newFeed(),
		defaultTimeout: DefaultTimeout,
		shutdownGrace:  DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = transport.NewDefaultRegistry(e.logger)
	}
	e.history = newHistory(e.historyLimit)

	return e
}

// Start marks the engine running.
func (e *Engine) Start() {
	if e.running.CompareAndSwap(false, true) {
		e.startedAt.Store(time.Now().UnixNano())
		e.logger.Info("engine started", "transports", e.registry.Kinds())
	}
}

// Stop closes every live session concurrently and marks the engine stopped.
//
// Each session gets the shutdown grace to finish its tasks before its transport is torn down
// regardless. A ctx deadline shortens the grace; a done ctx tears sessions down at once.
// Stop returns the close errors of all sessions joined.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.logger.Info("engine stopping", "sessions", e.sessions.Size())

	grace := e.shutdownGrace
	if ctx.Err() != nil {
		grace = 0
	} else if deadline, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(deadline), 0))
	}

	sessions := e.Sessions()
	stopErrs := make([]error, len(sessions))

	var g errgroup.Group
	for i, s := range sessions {
		if !s.Status().IsLive() {
			continue
		}
		g.Go(func() error {
			stopErrs[i] = s.stop(grace)
			return nil
		})
	}
	_ = g.Wait()

	e.feed.closeAll()
	e.startedAt.Store(0)
	e.logger.Info("engine stopped")

	return errors.Join(stopErrs...)
}

// IsRunning reports whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Uptime returns how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	ts := e.startedAt.Load()
	if ts == 0 {
		return 0
	}

	return time.Since(time.Unix(0, ts))
}

// Registry returns the transport registry.
func (e *Engine) Registry() *transport.Registry {
	return e.registry
}

// AvailableTransports returns the registered protocol kinds.
func (e *Engine) AvailableTransports() []device.Kind {
	return e.registry.Kinds()
}

func (e *Engine) checkRunning(op string) error {
	if !e.running.Load() {
		return errs.Wrap(errs.KindCommunication, op, ErrEngineStopped)
	}

	return nil
}

// RegisterSession allocates a Created session for cfg without connecting it.
func (e *Engine) RegisterSession(cfg *SessionConfig) (*Session, error) {
	const op = "comm.engine.register_session"

	if err := e.checkRunning(op); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errs.New(errs.KindInvalidInput, op, "session config is nil")
	}
	if _, err := e.registry.Resolve(cfg.device); err != nil {
		return nil, err
	}

	s := newSession(e, cfg)
	e.sessions.Store(s.id, s)
	e.recordSystem(s, fmt.Sprintf("session %s created for device %s (%s)", cfg.Name(), cfg.DeviceName(), s.Kind()), nil)
	s.logger.Debug("session registered")

	return s, nil
}

// OpenSession connects a Created, Stopped or Failed session. Connect failures are not
// returned; they are visible through the session status and last error.
func (e *Engine) OpenSession(ctx context.Context, id string) error {
	const op = "comm.engine.open_session"

	s, err := e.lookup(op, id)
	if err != nil {
		return err
	}

	return s.open(ctx)
}

// CreateSession registers and opens a session for cfg and returns its id.
//
// The id is returned whether or not the connect succeeded.
func (e *Engine) CreateSession(ctx context.Context, cfg *SessionConfig) (string, error) {
	s, err := e.RegisterSession(cfg)
	if err != nil {
		return "", err
	}
	if err := s.open(ctx); err != nil {
		return s.id, err
	}

	return s.id, nil
}

// CreateDeviceSession creates an Interactive session named after dev with default settings.
func (e *Engine) CreateDeviceSession(ctx context.Context, dev *device.Config) (string, error) {
	cfg, err := NewSessionConfig("", dev)
	if err != nil {
		return "", err
	}

	return e.CreateSession(ctx, cfg)
}

// CloseSession disconnects the session and moves it to Stopped. Closing a Stopped or
// Failed session is a no-op.
func (e *Engine) CloseSession(id string) error {
	const op = "comm.engine.close_session"

	s, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	wasLive := s.Status().IsLive()
	if err := s.stop(e.shutdownGrace); err != nil {
		return err
	}
	if wasLive {
		e.recordSystem(s, "session closed", nil)
	}

	return nil
}

// RemoveSession purges a Stopped or Failed session.
func (e *Engine) RemoveSession(id string) error {
	const op = "comm.engine.remove_session"

	s, ok := e.sessions.Load(id)
	if !ok {
		return errs.Wrap(errs.KindSession, op, ErrSessionNotFound)
	}
	if st := s.Status(); !st.IsRemovable() {
		return errs.New(errs.KindSession, op, "session %s is %s, stop it before removing", id, st)
	}
	if err := s.stateMgr.to(StatusRemoved); err != nil {
		return err
	}
	e.sessions.Delete(id)
	s.logger.Debug("session removed")

	return nil
}

// Session returns the session with the given id.
func (e *Engine) Session(id string) (*Session, bool) {
	return e.sessions.Load(id)
}

// Sessions returns all sessions ordered by creation time.
func (e *Engine) Sessions() []*Session {
	out := make([]*Session, 0, e.sessions.Size())
	e.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	slices.SortFunc(out, func(a, b *Session) int {
		return a.createdAt.Compare(b.createdAt)
	})

	return out
}

func (e *Engine) lookup(op string, id string) (*Session, error) {
	if err := e.checkRunning(op); err != nil {
		return nil, err
	}
	s, ok := e.sessions.Load(id)
	if !ok {
		return nil, errs.Wrap(errs.KindSession, op+" "+id, ErrSessionNotFound)
	}

	return s, nil
}

// SendData writes data to the session and returns the recorded Sent message.
//
// A transient transport failure is absorbed by the reconnection policy: the returned
// message and error are both nil, and the failure is visible through the session status
// and an Error message.
func (e *Engine) SendData(ctx context.Context, id string, data []byte) (*Message, error) {
	const op = "comm.engine.send_data"

	s, err := e.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errs.Wrap(errs.KindInvalidInput, op, ErrEmptyData)
	}

	return s.send(ctx, MessageSent, util.CloneSlice(data, 0), nil)
}

// SendCommand writes text to the session and returns the recorded Command message.
func (e *Engine) SendCommand(ctx context.Context, id string, text string) (*Message, error) {
	const op = "comm.engine.send_command"

	s, err := e.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errs.Wrap(errs.KindInvalidInput, op, ErrEmptyData)
	}

	return s.send(ctx, MessageCommand, []byte(text), map[string]string{MetaCommand: text})
}

// Execute sends text as a Command and collects received bytes until they match pattern, or
// until the first received chunk when pattern is nil. The collected bytes are recorded as a
// Response message tagged with the elapsed time.
//
// timeout bounds the wait for the response; zero means the session operation timeout.
// A missing response fails with a Timeout error.
func (e *Engine) Execute(ctx context.Context, id string, text string, pattern *regexp.Regexp, timeout time.Duration) (*Message, error) {
	const op = "comm.engine.execute"

	s, err := e.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errs.Wrap(errs.KindInvalidInput, op, ErrEmptyData)
	}
	if timeout <= 0 {
		timeout = s.opTimeout()
	}

	// subscribe first so no reply can slip between the send and the wait
	sub := e.feed.Subscribe(0, Pattern{SessionID: id, Types: []MessageType{MessageReceived}})
	defer sub.Close()

	start := time.Now()
	cmd, err := s.send(ctx, MessageCommand, []byte(text), map[string]string{MetaCommand: text})
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, errs.New(errs.KindCommunication, op, "link lost while sending %q", text)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf []byte
	for {
		m, err := sub.Next(wctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errs.FromContext(op, ctxErr)
			}
			if wctx.Err() != nil {
				return nil, errs.Wrap(errs.KindTimeout, fmt.Sprintf("%s %q after %s", op, text, timeout), ErrNoResponse)
			}

			return nil, errs.Wrap(errs.KindCommunication, op, err)
		}

		buf = append(buf, m.data...)
		if pattern == nil || pattern.Match(buf) {
			break
		}
	}

	elapsed := time.Since(start)
	s.metrics.observeResponse(elapsed)

	return e.record(s, MessageResponse, buf, map[string]string{
		MetaCommand:    text,
		MetaDurationMS: strconv.FormatInt(elapsed.Milliseconds(), 10),
	}), nil
}

// Receive waits for the next Received message of the session. Without a deadline on ctx the
// wait is bounded by the session operation timeout.
func (e *Engine) Receive(ctx context.Context, id string) (*Message, error) {
	const op = "comm.engine.receive"

	s, err := e.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if st := s.Status(); !st.HasTransport() {
		return nil, errs.New(errs.KindDeviceNotConnected, op, "session %s is %s", id, st)
	}

	sub := e.feed.Subscribe(0, Pattern{SessionID: id, Types: []MessageType{MessageReceived}})
	defer sub.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout())
		defer cancel()
	}

	m, err := sub.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.FromContext(op, ctx.Err())
		}

		return nil, errs.Wrap(errs.KindCommunication, op, err)
	}

	return m, nil
}

// Subscribe registers a feed subscriber for messages matching p.
func (e *Engine) Subscribe(buffer int, p Pattern) *Subscription {
	return e.feed.Subscribe(buffer, p)
}

// History returns the global messages matching p from oldest to newest. When limit is
// positive only the newest limit matches are returned.
func (e *Engine) History(p Pattern, limit int) []*Message {
	return e.history.filter(p, limit)
}

// ClearHistory removes all messages from the global history. Session histories are kept.
func (e *Engine) ClearHistory() {
	e.history.clear()
}

// LastSequence returns the id of the last message created.
func (e *Engine) LastSequence() uint64 {
	return e.seq.last()
}

// EngineStatistics is a point-in-time summary of an engine.
type EngineStatistics struct {
	Running          bool
	Uptime           time.Duration
	TotalSessions    int
	ActiveSessions   int
	TotalMessages    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	ErrorMessages    uint64
	BytesSent        uint64
	BytesReceived    uint64
	HistoryLen       int
	HistoryCapacity  int
	HistoryEvicted   uint64
	Subscribers      int
}

// Statistics returns the aggregated engine counters.
func (e *Engine) Statistics() EngineStatistics {
	stats := EngineStatistics{
		Running:          e.running.Load(),
		Uptime:           e.Uptime(),
		TotalMessages:    e.metrics.totalMessages.Load(),
		MessagesSent:     e.metrics.messagesSent.Load(),
		MessagesReceived: e.metrics.messagesReceived.Load(),
		ErrorMessages:    e.metrics.errorMessages.Load(),
		BytesSent:        e.metrics.bytesSent.Load(),
		BytesReceived:    e.metrics.bytesReceived.Load(),
		HistoryLen:       e.history.len(),
		HistoryCapacity:  e.history.capacity(),
		HistoryEvicted:   e.history.evicted(),
		Subscribers:      e.feed.Len(),
	}
	e.sessions.Range(func(_ string, s *Session) bool {
		stats.TotalSessions++
		if s.Status() == StatusActive {
			stats.ActiveSessions++
		}
		return true
	})

	return stats
}

// record creates a message on session s, appends it to both histories, updates the counters
// and publishes it to the feed. data is owned by the message afterwards.
func (e *Engine) record(s *Session, typ MessageType, data []byte, meta map[string]string) *Message {
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[MetaSize] = strconv.Itoa(len(data))

	e.recordMu.Lock()
	m := &Message{
		id:         e.seq.next(),
		sessionID:  s.id,
		deviceName: s.cfg.DeviceName(),
		transport:  s.Kind(),
		timestamp:  time.Now(),
		typ:        typ,
		data:       data,
		metadata:   meta,
	}
	s.history.add(m)
	e.history.add(m)
	e.feed.publish(m)
	e.recordMu.Unlock()

	n := uint64(len(data))
	e.metrics.totalMessages.Add(1)
	s.metrics.MessageCount.Add(1)

	switch typ {
	case MessageSent, MessageCommand:
		s.metrics.MessagesSent.Add(1)
		s.metrics.BytesSent.Add(n)
		s.metrics.touch(m.timestamp)
		e.metrics.messagesSent.Add(1)
		e.metrics.bytesSent.Add(n)
	case MessageReceived:
		s.metrics.MessagesReceived.Add(1)
		s.metrics.BytesReceived.Add(n)
		s.metrics.touch(m.timestamp)
		e.metrics.messagesReceived.Add(1)
		e.metrics.bytesReceived.Add(n)
	case MessageResponse:
		s.metrics.touch(m.timestamp)
	case MessageError:
		e.metrics.errorMessages.Add(1)
	}

	return m
}

func (e *Engine) recordError(s *Session, err error) {
	if err == nil {
		return
	}
	text := err.Error()
	e.record(s, MessageError, []byte(text), map[string]string{MetaError: errs.KindOf(err).String()})
}

func (e *Engine) recordSystem(s *Session, text string, meta map[string]string) {
	e.record(s, MessageSystem, []byte(text), util.CloneMap(meta))
}

func (e *Engine) onStatusChange(s *Session, prev Status, next Status) {
	s.logger.Info("session status changed", "from", prev, "to", next)
	e.recordSystem(s, fmt.Sprintf("status %s -> %s", prev, next), map[string]string{MetaStatus: next.String()})

	for _, handler := range e.handlers {
		handler(s, prev, next)
	}
}
