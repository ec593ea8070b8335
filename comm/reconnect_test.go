package comm

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	require := require.New(t)

	base := 100 * time.Millisecond
	require.Equal(100*time.Millisecond, backoff(base, 0))
	require.Equal(200*time.Millisecond, backoff(base, 1))
	require.Equal(400*time.Millisecond, backoff(base, 2))
	require.Equal(800*time.Millisecond, backoff(base, 3))

	require.Zero(backoff(0, 5))
	require.Zero(backoff(base, -1))
	require.Equal(maxBackoff, backoff(base, 40))
	require.Equal(maxBackoff, backoff(10*time.Minute, 10))
}

func TestSessionLinkLossWithoutReconnect(t *testing.T) {
	require := require.New(t)

	e, lb := newTestEngine(t)
	s, port := openSerial(t, e, lb, "dev1")

	port.Unplug()
	waitStatus(t, s, 2*time.Second, StatusStopped)

	require.ErrorIs(s.LastError(), errs.ErrCommunication)
	require.False(s.IsConnected())
	require.False(port.IsOpen())
	require.Equal(uint64(1), s.Statistics().ErrorCount)
	require.Zero(s.ReconnectAttempts())
	require.Len(s.FilteredHistory(Pattern{Types: []MessageType{MessageError}}, 0), 1)

	_, err := e.SendData(context.Background(), s.ID(), []byte{1})
	require.ErrorIs(err, errs.ErrDeviceNotConnected)
}

func TestSessionSendFailureIsAbsorbed(t *testing.T) {
	require := require.New(t)

	e, lb := newTestEngine(t)
	s, port := openSerial(t, e, lb, "dev1", WithAutoReconnect(true), WithReconnectDelay(10*time.Minute))
	port.Unplug()

	// the receiver or the send notices the loss, the send never surfaces a transport error
	msg, err := e.SendData(context.Background(), s.ID(), []byte{1})
	if err != nil {
		require.ErrorIs(err, errs.ErrDeviceNotConnected)
	} else {
		require.Nil(msg)
	}

	waitStatus(t, s, 2*time.Second, StatusReconnecting)
	require.ErrorIs(s.LastError(), errs.ErrCommunication)
	require.NotEmpty(s.FilteredHistory(Pattern{Types: []MessageType{MessageError}}, 0))
}

func TestSessionReconnectExhausted(t *testing.T) {
	require := require.New(t)

	rec := &statusRecorder{}
	e, lb := newTestEngine(t, WithStatusHandler(rec.handle))

	const attempts = 3
	delay := 10 * time.Millisecond
	s, port := openSerial(t, e, lb, "dev1",
		WithAutoReconnect(true),
		WithMaxReconnectAttempts(attempts),
		WithReconnectDelay(delay),
	)

	start := time.Now()
	lb.RemovePort("/dev/ttydev1")
	port.Unplug()

	waitStatus(t, s, 5*time.Second, StatusFailed)
	elapsed := time.Since(start)

	var sum time.Duration
	for i := range attempts {
		sum += backoff(delay, i)
	}
	require.GreaterOrEqual(elapsed, sum)

	require.Equal(attempts, s.ReconnectAttempts())
	require.Equal(uint64(attempts), s.Statistics().ReconnectCount)
	require.Equal(1, rec.count(StatusReconnecting))
	require.ErrorIs(s.LastError(), errs.ErrDeviceNotConnected)
	require.False(s.IsConnected())

	var attemptMsgs int
	for _, m := range s.FilteredHistory(Pattern{Types: []MessageType{MessageSystem}}, 0) {
		if _, ok := m.Meta(MetaAttempt); ok {
			attemptMsgs++
		}
	}
	require.Equal(attempts, attemptMsgs)

	// a failed session may be removed
	require.NoError(e.RemoveSession(s.ID()))
}

func TestSessionReconnectSuccess(t *testing.T) {
	require := require.New(t)

	rec := &statusRecorder{}
	e, lb := newTestEngine(t, WithStatusHandler(rec.handle))
	s, port := openSerial(t, e, lb, "dev1",
		WithAutoReconnect(true),
		WithMaxReconnectAttempts(5),
		WithReconnectDelay(10*time.Millisecond),
	)

	port.Unplug()

	require.Eventually(func() bool {
		return port.Opens() == 2 && s.Status() == StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(1, rec.count(StatusReconnecting))
	require.Equal(2, rec.count(StatusActive))
	require.Zero(s.ReconnectAttempts())
	require.Equal(uint64(1), s.Statistics().ReconnectCount)

	// the new link carries traffic
	port.SetEcho(false)
	msg, err := e.SendData(context.Background(), s.ID(), []byte("AT"))
	require.NoError(err)
	require.NotNil(msg)
	require.Equal([]byte("AT"), port.Written())
}

func TestSessionStopCancelsBackoff(t *testing.T) {
	require := require.New(t)

	e, lb := newTestEngine(t)
	s, port := openSerial(t, e, lb, "dev1",
		WithAutoReconnect(true),
		WithReconnectDelay(10*time.Minute),
	)

	port.Unplug()
	waitStatus(t, s, 2*time.Second, StatusReconnecting)

	start := time.Now()
	require.NoError(e.CloseSession(s.ID()))
	require.Less(time.Since(start), time.Second)
	require.Equal(StatusStopped, s.Status())
	require.Zero(s.ReconnectAttempts())
	require.Equal(1, port.Opens())
}

func TestSessionTCPUnreachable(t *testing.T) {
	require := require.New(t)

	rec := &statusRecorder{}
	e, _ := newTestEngine(t, WithStatusHandler(rec.handle))

	dev := device.NewTCP("plc", "127.0.0.1", closedPort(t))
	dev.TCP.Timeout = 100 * time.Millisecond

	const attempts = 3
	delay := 20 * time.Millisecond
	cfg, err := NewSessionConfig("plc", dev,
		WithTimeout(100*time.Millisecond),
		WithAutoReconnect(true),
		WithMaxReconnectAttempts(attempts),
		WithReconnectDelay(delay),
	)
	require.NoError(err)

	start := time.Now()
	id, err := e.CreateSession(context.Background(), cfg)
	require.NoError(err)
	s, _ := e.Session(id)

	reconnectingAt, ok := rec.first(StatusReconnecting)
	require.True(ok)
	require.Less(reconnectingAt.Sub(start), 150*time.Millisecond)

	waitStatus(t, s, 5*time.Second, StatusFailed)

	var sum time.Duration
	for i := range attempts {
		sum += backoff(delay, i)
	}
	require.GreaterOrEqual(time.Since(start), sum)
	require.Equal(attempts, s.ReconnectAttempts())
	require.True(errs.IsTransient(s.LastError()))
}

func TestSessionTCPNoReconnect(t *testing.T) {
	require := require.New(t)

	e, _ := newTestEngine(t)

	dev := device.NewTCP("plc", "127.0.0.1", closedPort(t))
	cfg, err := NewSessionConfig("plc", dev, WithTimeout(100*time.Millisecond))
	require.NoError(err)

	id, err := e.CreateSession(context.Background(), cfg)
	require.NoError(err)
	s, _ := e.Session(id)

	require.Equal(StatusStopped, s.Status())
	require.ErrorIs(s.LastError(), errs.ErrCommunication)
}
