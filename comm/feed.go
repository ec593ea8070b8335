package comm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/internal/queue"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultSubscriptionBuffer is the buffer size used when Subscribe is given a non-positive size.
const DefaultSubscriptionBuffer = 256

// Feed broadcasts messages to subscribers as they are created.
//
// Every subscriber has its own bounded buffer. Publishing never blocks: when a buffer is full
// the oldest buffered message is dropped and counted, so a slow subscriber only loses its own
// backlog.
type Feed struct {
	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
}

func newFeed() *Feed {
	return &Feed{subs: xsync.NewMapOf[uint64, *Subscription]()}
}

// Subscribe registers a subscriber receiving the messages matching p.
// The subscriber must call Close when done.
func (f *Feed) Subscribe(buffer int, p Pattern) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}

	sub := &Subscription{
		id:      f.nextID.Add(1),
		feed:    f,
		pattern: p,
		buf:     queue.NewRing[*Message](buffer),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	f.subs.Store(sub.id, sub)

	return sub
}

// Len returns the number of subscribers.
func (f *Feed) Len() int {
	return f.subs.Size()
}

func (f *Feed) publish(m *Message) {
	f.subs.Range(func(_ uint64, sub *Subscription) bool {
		sub.offer(m)
		return true
	})
}

func (f *Feed) closeAll() {
	f.subs.Range(func(_ uint64, sub *Subscription) bool {
		sub.Close()
		return true
	})
}

// ErrSubscriptionClosed is returned by Next on a closed subscription with an empty buffer.
var ErrSubscriptionClosed = errs.New(errs.KindSession, "comm.subscription", "subscription closed")

// Subscription is one subscriber of a Feed.
type Subscription struct {
	id      uint64
	feed    *Feed
	pattern Pattern

	mu      sync.Mutex
	buf     *queue.Ring[*Message]
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func (s *Subscription) offer(m *Message) {
	if !s.pattern.Match(m) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, evicted := s.buf.Push(m); evicted {
		s.dropped.Add(1)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next buffered message, waiting until one arrives, ctx is done, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		m, ok := s.buf.Dequeue()
		closed := s.closed
		s.mu.Unlock()

		if ok {
			return m, nil
		}
		if closed {
			return nil, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return nil, errs.FromContext("comm.subscription.next", ctx.Err())
		case <-s.done:
		case <-s.notify:
		}
	}
}

// TryNext returns the next buffered message without waiting.
func (s *Subscription) TryNext() (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.Dequeue()
}

// Pending returns the number of buffered messages.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.Length()
}

// Dropped returns the number of messages dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Buffered messages can still be read with Next.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.feed.subs.Delete(s.id)
}
