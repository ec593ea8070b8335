// Package task manages sets of named goroutines that share one cancellation signal.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-termcom/logger"
)

// LoopFunc is run repeatedly by a task until it returns false or the task set is stopped.
// ctx is canceled when the task set is stopped.
type LoopFunc func(ctx context.Context) bool

// Func is run once by a task. ctx is canceled when the task set is stopped.
type Func func(ctx context.Context)

// CancelFunc is called when a task exits or is canceled.
type CancelFunc func()

// ErrStopped is returned when starting a task on a stopped task set.
var ErrStopped = fmt.Errorf("task manager already stopped")

// Manager manages the lifecycle of goroutines (tasks) owned by one component.
//
// All tasks share a context derived from the parent context. Stop cancels it, Wait blocks
// until every task has returned and then renews the context, so the same Manager can run
// a new generation of tasks, e.g. after a reconnect.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	_ = mgr.Start("receiver", func(ctx context.Context) bool {
//	    // ... read once ...
//	    return true // keep looping
//	})
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the current generation of tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine that calls fn until it returns false or the manager is stopped.
//
// onExit, if not nil, is called when the goroutine exits.
func (mgr *Manager) Start(name string, fn LoopFunc, onExit CancelFunc) error {
	return mgr.spawn(name, func(ctx context.Context) {
		if onExit != nil {
			defer onExit()
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !mgr.callWithRecoverBool(ctx, name, fn) {
					return
				}
			}
		}
	})
}

// Go starts a goroutine that calls fn once.
func (mgr *Manager) Go(name string, fn Func) error {
	return mgr.spawn(name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
		}()

		fn(ctx)
	})
}

// Stop signals all running goroutines.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then renews the shared context.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// WaitTimeout is like Wait but gives up after timeout. It reports whether all goroutines terminated.
func (mgr *Manager) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		mgr.logger.Warn("wait tasks timeout", "timeout", timeout, "task_count", mgr.TaskCount())
		return false
	}
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func(ctx context.Context)) error {
	if mgr.Context().Err() != nil {
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}

	// Wait holds taskMu until every task returns; a task spawning a follow-up
	// task must not block on it.
	if !mgr.taskMu.TryRLock() {
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}
	defer mgr.taskMu.RUnlock()

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}

	mgr.logger.Debug("start task", "name", name)
	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer mgr.wg.Done()
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug(name+" task terminated", "task_count", mgr.TaskCount())
		}()

		body(ctx)
	}()

	return nil
}

// callWithRecoverBool calls a loop function with panic protection. A panic stops the loop.
func (mgr *Manager) callWithRecoverBool(ctx context.Context, name string, fn LoopFunc) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			keep = false
		}
	}()

	return fn(ctx)
}
