// Package manager keeps the collection of sessions of a communication engine.
//
// The Manager enforces the session ceiling and unique session names, and offers lifecycle
// and query operations over the collection. Traffic is routed by the comm.Engine.
package manager

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/arloliu/go-termcom/comm"
	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/logger"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxSessions is the default session ceiling.
const DefaultMaxSessions = 10

var (
	// ErrCapacity is returned when creating a session would exceed the session ceiling.
	ErrCapacity = errs.New(errs.KindSession, "manager", "session capacity exceeded")
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errs.New(errs.KindSession, "manager", "session not found")
	// ErrDuplicateName is returned when a session name is already taken.
	ErrDuplicateName = errs.New(errs.KindSession, "manager", "session name already exists")
	// ErrUnknownCommand is returned when a device has no command template of the given name.
	ErrUnknownCommand = errs.New(errs.KindInvalidInput, "manager", "unknown command")
)

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSessions sets the session ceiling. Non-positive values keep the default.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithGlobalConfig applies the session ceiling of cfg.
func WithGlobalConfig(cfg device.GlobalConfig) Option {
	return WithMaxSessions(cfg.MaxSessions)
}

// Manager owns the session records created through it.
//
// Every record that is not removed counts toward the ceiling, Stopped and Failed ones
// included; removing a record frees its slot.
type Manager struct {
	engine      *comm.Engine
	logger      logger.Logger
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*comm.Session
}

// New creates a manager of the sessions of engine.
func New(engine *comm.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:      engine,
		logger:      logger.GetLogger(),
		maxSessions: DefaultMaxSessions,
		sessions:    make(map[string]*comm.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session_manager")

	return m
}

// Engine returns the engine the sessions run on.
func (m *Manager) Engine() *comm.Engine {
	return m.engine
}

// MaxSessions returns the session ceiling.
func (m *Manager) MaxSessions() int {
	return m.maxSessions
}

// CreateSession creates a session for cfg and connects it.
//
// The id is returned whether or not the connect succeeded; a failed connect is visible
// through the session status. It fails with ErrCapacity when the ceiling is reached and
// with ErrDuplicateName when the name is taken.
func (m *Manager) CreateSession(ctx context.Context, cfg *comm.SessionConfig) (string, error) {
	const op = "manager.create_session"

	if cfg == nil {
		return "", errs.New(errs.KindInvalidInput, op, "session config is nil")
	}

	m.mu.Lock()
	if m.nameTakenLocked(cfg.Name(), "") {
		m.mu.Unlock()
		return "", errs.Wrap(errs.KindSession, op+" "+cfg.Name(), ErrDuplicateName)
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.logger.Warn("session ceiling reached", "max_sessions", m.maxSessions)

		return "", errs.Wrap(errs.KindSession, op, ErrCapacity)
	}
	s, err := m.engine.RegisterSession(cfg)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", s.ID(), "session", s.Name(), "device", s.DeviceName())

	if err := m.engine.OpenSession(ctx, s.ID()); err != nil {
		return s.ID(), err
	}

	return s.ID(), nil
}

// CreateDeviceSession creates a session with default settings named after dev.
func (m *Manager) CreateDeviceSession(ctx context.Context, dev *device.Config, opts ...comm.SessionOption) (string, error) {
	cfg, err := comm.NewSessionConfig("", dev, opts...)
	if err != nil {
		return "", err
	}

	return m.CreateSession(ctx, cfg)
}

// StartSession connects a Stopped or Failed session. Starting a live session is a no-op.
func (m *Manager) StartSession(ctx context.Context, id string) error {
	if _, err := m.get("manager.start_session", id); err != nil {
		return err
	}

	return m.engine.OpenSession(ctx, id)
}

// StopSession disconnects a session and moves it to Stopped, keeping the record.
func (m *Manager) StopSession(id string) error {
	if _, err := m.get("manager.stop_session", id); err != nil {
		return err
	}

	return m.engine.CloseSession(id)
}

// RemoveSession purges a Stopped or Failed session and frees its slot.
func (m *Manager) RemoveSession(id string) error {
	const op = "manager.remove_session"

	if !m.HasSession(id) {
		return errs.Wrap(errs.KindSession, op+" "+id, ErrNotFound)
	}

	// status handlers run inside engine.RemoveSession and may query the manager
	if err := m.engine.RemoveSession(id); err != nil {
		return err
	}

	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.logger.Info("session removed", "session_id", id)
	}

	return nil
}

// HasSession reports whether a record with the given id exists.
func (m *Manager) HasSession(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sessions[id]

	return ok
}

// Session returns the session with the given id.
func (m *Manager) Session(id string) (*comm.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]

	return s, ok
}

// SessionInfo returns a snapshot of the session with the given id.
func (m *Manager) SessionInfo(id string) (comm.SessionInfo, error) {
	s, err := m.get("manager.session_info", id)
	if err != nil {
		return comm.SessionInfo{}, err
	}

	return s.Info(), nil
}

// Count returns the number of session records.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// ActiveCount returns the number of Active sessions.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, s := range m.snapshot() {
		if s.Status() == comm.StatusActive {
			n++
		}
	}

	return n
}

// ListSessions returns a snapshot of every session ordered by creation time.
func (m *Manager) ListSessions() []comm.SessionInfo {
	return m.ListSessionsFiltered(Filter{})
}

// ListSessionsFiltered returns a snapshot of the sessions matching f ordered by creation time.
func (m *Manager) ListSessionsFiltered(f Filter) []comm.SessionInfo {
	out := make([]comm.SessionInfo, 0)
	for _, s := range m.snapshot() {
		if f.Match(s) {
			out = append(out, s.Info())
		}
	}

	return out
}

// FindSessionsByDevice returns the sessions bound to the named device.
func (m *Manager) FindSessionsByDevice(deviceName string) []comm.SessionInfo {
	return m.ListSessionsFiltered(Filter{DeviceName: deviceName})
}

// FindSessionsByName returns the sessions whose name contains name.
func (m *Manager) FindSessionsByName(name string) []comm.SessionInfo {
	out := make([]comm.SessionInfo, 0, 1)
	for _, s := range m.snapshot() {
		if strings.Contains(s.Name(), name) {
			out = append(out, s.Info())
		}
	}

	return out
}

// UpdateSessionConfig applies options to the config of a session. While the session holds a
// transport only runtime options are accepted.
func (m *Manager) UpdateSessionConfig(id string, opts ...comm.SessionOption) error {
	const op = "manager.update_session_config"

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return errs.Wrap(errs.KindSession, op+" "+id, ErrNotFound)
	}

	cfg := s.Config()
	oldName := cfg.Name()
	running := s.Status().HasTransport()
	if err := cfg.Update(running, opts...); err != nil {
		return err
	}

	if name := cfg.Name(); name != oldName && m.nameTakenLocked(name, id) {
		_ = cfg.Update(running, comm.WithName(oldName))
		return errs.Wrap(errs.KindSession, op+" "+name, ErrDuplicateName)
	}

	return nil
}

// StartAll connects every Stopped or Failed session concurrently and returns the first error.
func (m *Manager) StartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.snapshot() {
		if s.Status().IsLive() {
			continue
		}
		g.Go(func() error {
			return m.engine.OpenSession(gctx, s.ID())
		})
	}

	return g.Wait()
}

// StopAll stops every live session concurrently and returns the first error.
func (m *Manager) StopAll() error {
	var g errgroup.Group
	for _, s := range m.snapshot() {
		if !s.Status().IsLive() {
			continue
		}
		g.Go(func() error {
			return m.engine.CloseSession(s.ID())
		})
	}

	return g.Wait()
}

// RemoveAll stops and removes every session. It returns the number of removed sessions and
// the errors of the sessions that could not be removed.
func (m *Manager) RemoveAll() (int, error) {
	stopErr := m.StopAll()

	var (
		removed int
		errList []error
	)
	if stopErr != nil {
		errList = append(errList, stopErr)
	}
	for _, s := range m.snapshot() {
		if err := m.RemoveSession(s.ID()); err != nil {
			errList = append(errList, err)
			continue
		}
		removed++
	}

	return removed, errors.Join(errList...)
}

// SendData writes data to a session.
func (m *Manager) SendData(ctx context.Context, id string, data []byte) (*comm.Message, error) {
	if _, err := m.get("manager.send_data", id); err != nil {
		return nil, err
	}

	return m.engine.SendData(ctx, id, data)
}

// SendCommand writes text to a session as a command.
func (m *Manager) SendCommand(ctx context.Context, id string, text string) (*comm.Message, error) {
	if _, err := m.get("manager.send_command", id); err != nil {
		return nil, err
	}

	return m.engine.SendCommand(ctx, id, text)
}

// RunCommand renders the named command template of the session's device with vars, sends it
// and waits for the response it describes.
func (m *Manager) RunCommand(ctx context.Context, id string, name string, vars map[string]string) (*comm.Message, error) {
	const op = "manager.run_command"

	s, err := m.get(op, id)
	if err != nil {
		return nil, err
	}

	tmpl, ok := s.Config().Device().Command(name)
	if !ok {
		return nil, errs.Wrap(errs.KindInvalidInput, op+" "+name, ErrUnknownCommand)
	}
	pattern, err := tmpl.Response()
	if err != nil {
		return nil, err
	}

	return m.engine.Execute(ctx, id, tmpl.Render(vars), pattern, tmpl.EffectiveTimeout())
}

// GlobalStatistics folds the statistics of every session.
func (m *Manager) GlobalStatistics() comm.Statistics {
	var total comm.Statistics
	for _, s := range m.snapshot() {
		total = total.Merge(s.Statistics())
	}

	return total
}

// Statistics summarizes the collection.
type Statistics struct {
	TotalSessions  int
	ActiveSessions int
	MaxSessions    int
	ByStatus       map[comm.Status]int
	ByType         map[comm.SessionType]int
	ByTransport    map[device.Kind]int
	Traffic        comm.Statistics
}

// Statistics returns a summary of the collection with per status, type and transport counts.
func (m *Manager) Statistics() Statistics {
	stats := Statistics{
		MaxSessions: m.maxSessions,
		ByStatus:    make(map[comm.Status]int),
		ByType:      make(map[comm.SessionType]int),
		ByTransport: make(map[device.Kind]int),
		Traffic:     m.GlobalStatistics(),
	}
	for _, s := range m.snapshot() {
		st := s.Status()
		stats.TotalSessions++
		if st == comm.StatusActive {
			stats.ActiveSessions++
		}
		stats.ByStatus[st]++
		stats.ByType[s.Config().Type()]++
		stats.ByTransport[s.Kind()]++
	}

	return stats
}

func (m *Manager) get(op string, id string) (*comm.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, errs.Wrap(errs.KindSession, op+" "+id, ErrNotFound)
	}

	return s, nil
}

// snapshot copies the records ordered by creation time.
func (m *Manager) snapshot() []*comm.Session {
	m.mu.RLock()
	out := make([]*comm.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *comm.Session) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		if a.ID() < b.ID() {
			return -1
		}
		if a.ID() > b.ID() {
			return 1
		}

		return 0
	})

	return out
}

func (m *Manager) nameTakenLocked(name string, exceptID string) bool {
	for id, s := range m.sessions {
		if id != exceptID && s.Name() == name {
			return true
		}
	}

	return false
}
