package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-termcom/logger"
	"github.com/stretchr/testify/require"
)

func TestManagerStartStop(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.GetLogger())

	var loops atomic.Int32
	var exited atomic.Bool
	err := mgr.Start("loop", func(ctx context.Context) bool {
		loops.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return true
	}, func() { exited.Store(true) })
	require.NoError(err)

	require.Eventually(func() bool { return loops.Load() > 3 }, time.Second, time.Millisecond)
	require.Equal(1, mgr.TaskCount())

	mgr.Stop()
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())
	require.True(exited.Load())

	// context is renewed after Wait
	require.NoError(mgr.Context().Err())
	require.NoError(mgr.Go("again", func(context.Context) {}))
	mgr.Wait()
}

func TestManagerLoopReturnsFalse(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), nil)
	var calls atomic.Int32
	require.NoError(mgr.Start("once", func(context.Context) bool {
		calls.Add(1)
		return false
	}, nil))

	mgr.Wait()
	require.Equal(int32(1), calls.Load())
}

func TestManagerStartAfterStop(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), nil)
	mgr.Stop()

	err := mgr.Go("late", func(context.Context) {})
	require.ErrorIs(err, ErrStopped)
}

func TestManagerRecoverPanic(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), nil)
	require.NoError(mgr.Go("panic", func(context.Context) { panic("boom") }))
	require.NoError(mgr.Start("panic-loop", func(context.Context) bool { panic("boom") }, nil))

	require.True(mgr.WaitTimeout(time.Second))
	require.Equal(0, mgr.TaskCount())
}

func TestManagerWaitTimeout(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), nil)
	release := make(chan struct{})
	require.NoError(mgr.Go("blocked", func(context.Context) { <-release }))

	require.False(mgr.WaitTimeout(20 * time.Millisecond))
	close(release)
	require.Eventually(func() bool { return mgr.TaskCount() == 0 }, time.Second, time.Millisecond)
}

func TestManagerParentCancel(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(ctx, nil)
	require.NoError(mgr.Go("wait", func(ctx context.Context) { <-ctx.Done() }))

	cancel()
	require.True(mgr.WaitTimeout(time.Second))
}

func TestManagerSpawnFromTaskDuringWait(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), nil)
	childErr := make(chan error, 1)
	require.NoError(mgr.Go("parent", func(ctx context.Context) {
		<-ctx.Done()
		// let Wait take the task lock first
		time.Sleep(50 * time.Millisecond)
		childErr <- mgr.Go("child", func(context.Context) {})
	}))

	mgr.Stop()
	require.True(mgr.WaitTimeout(time.Second))
	require.ErrorIs(<-childErr, ErrStopped)

	// the renewed generation accepts tasks again
	done := make(chan struct{})
	require.NoError(mgr.Go("next", func(context.Context) { close(done) }))
	<-done
}
