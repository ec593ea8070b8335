package comm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/internal/pool"
)

// maxBackoff bounds a single backoff delay so the shift cannot overflow.
const maxBackoff = time.Hour

// backoff returns the delay before the reconnect attempt with the given zero-based index:
// base * 2^attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}
	if attempt >= 32 {
		return maxBackoff
	}

	d := base << uint(attempt) //nolint:gosec
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}

	return d
}

// reconnectLoop runs the reconnection policy of a Reconnecting session. It returns when an
// attempt succeeds, the attempts are exhausted, or the session is stopped.
func (s *Session) reconnectLoop(ctx context.Context) {
	tr := s.transport()
	if tr == nil {
		s.logger.Debug("reconnect aborted, no transport")
		return
	}

	maxAttempts := s.cfg.MaxReconnectAttempts()
	for attempt := int(s.attempts.Load()); attempt < maxAttempts; attempt++ {
		delay := backoff(s.cfg.ReconnectDelay(), attempt)
		s.logger.Debug("reconnect backoff", "attempt", attempt+1, "delay", delay)
		if err := pool.Sleep(ctx, delay); err != nil {
			return
		}
		if s.Status() != StatusReconnecting {
			return
		}

		n := s.attempts.Add(1)
		s.metrics.ReconnectCount.Add(1)
		s.engine.recordSystem(s, fmt.Sprintf("reconnect attempt %d/%d", n, maxAttempts),
			map[string]string{MetaAttempt: strconv.Itoa(int(n))})

		if s.connectAndActivate(ctx, StatusReconnecting, tr, true) {
			s.logger.Info("session reconnected", "attempt", n)
			return
		}
		if ctx.Err() != nil || s.stopping.Load() {
			return
		}

		s.metrics.ErrorCount.Add(1)
		s.engine.recordError(s, s.LastError())
	}

	s.logger.Warn("reconnect attempts exhausted", "attempts", maxAttempts, "error", s.LastError())
	if s.LastError() == nil {
		s.setLastError(errs.New(errs.KindCommunication, "comm.session.reconnect", "reconnect attempts exhausted"))
	}
	if s.stateMgr.cas(StatusReconnecting, StatusFailed) {
		s.detach()
	}
}
