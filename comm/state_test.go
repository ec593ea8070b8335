package comm

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/logger"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusCreated, StatusConnecting, true},
		{StatusCreated, StatusActive, false},
		{StatusCreated, StatusRemoved, false},
		{StatusConnecting, StatusActive, true},
		{StatusConnecting, StatusReconnecting, true},
		{StatusConnecting, StatusFailed, true},
		{StatusActive, StatusReconnecting, true},
		{StatusActive, StatusStopped, true},
		{StatusActive, StatusRemoved, false},
		{StatusActive, StatusConnecting, false},
		{StatusReconnecting, StatusActive, true},
		{StatusReconnecting, StatusFailed, true},
		{StatusStopped, StatusConnecting, true},
		{StatusStopped, StatusRemoved, true},
		{StatusStopped, StatusActive, false},
		{StatusFailed, StatusRemoved, true},
		{StatusFailed, StatusStopped, false},
		{StatusRemoved, StatusConnecting, false},
		{StatusRemoved, StatusStopped, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			require.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusHelpers(t *testing.T) {
	require := require.New(t)

	require.True(StatusActive.HasTransport())
	require.True(StatusReconnecting.HasTransport())
	require.False(StatusStopped.HasTransport())

	require.True(StatusStopped.IsRemovable())
	require.True(StatusFailed.IsRemovable())
	require.False(StatusActive.IsRemovable())
	require.False(StatusRemoved.IsRemovable())

	require.True(StatusCreated.IsLive())
	require.False(StatusFailed.IsLive())

	for st := StatusCreated; st <= StatusRemoved; st++ {
		parsed, ok := ParseStatus(st.String())
		require.True(ok)
		require.Equal(st, parsed)
	}
	_, ok := ParseStatus("sleeping")
	require.False(ok)
	require.Equal("unknown", Status(99).String())
}

func TestStateMgr(t *testing.T) {
	require := require.New(t)

	var changes []string
	sm := newStateMgr(nil, logger.GetLogger(), func(_ *Session, prev Status, next Status) {
		changes = append(changes, prev.String()+"->"+next.String())
	})
	require.Equal(StatusCreated, sm.Status())

	require.NoError(sm.to(StatusConnecting))
	require.NoError(sm.to(StatusConnecting)) // no-op

	err := sm.to(StatusRemoved)
	require.ErrorIs(err, ErrInvalidTransition)
	require.ErrorIs(err, errs.ErrSession)
	require.Equal(StatusConnecting, sm.Status())

	require.False(sm.cas(StatusActive, StatusStopped))
	require.True(sm.cas(StatusConnecting, StatusActive))
	require.False(sm.cas(StatusActive, StatusRemoved))

	require.Equal([]string{"created->connecting", "connecting->active"}, changes)
}

func TestStateMgrWaitStatus(t *testing.T) {
	require := require.New(t)

	sm := newStateMgr(nil, logger.GetLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sm.to(StatusConnecting)
		_ = sm.to(StatusActive)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(sm.waitStatus(ctx, StatusActive, StatusFailed))
	require.Equal(StatusActive, sm.Status())

	// already there
	require.NoError(sm.waitStatus(ctx, StatusActive))

	tctx, tcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer tcancel()
	err := sm.waitStatus(tctx, StatusStopped)
	require.ErrorIs(err, errs.ErrTimeout)
}

func TestStatusLogValue(t *testing.T) {
	require := require.New(t)

	t.Setenv("ENV", "")
	var buf bytes.Buffer
	l := logger.NewSlogWithWriter(&buf, logger.InfoLevel, false)
	l.Info("session status changed", "from", StatusConnecting, "to", StatusActive, "type", MessageReceived)

	out := buf.String()
	require.Contains(out, `"from":"connecting"`)
	require.Contains(out, `"to":"active"`)
	require.Contains(out, `"type":"received"`)
}
