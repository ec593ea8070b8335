package comm

import (
	"sync"

	"github.com/arloliu/go-termcom/internal/queue"
)

// history is a bounded, oldest-evict message log safe for concurrent use.
type history struct {
	mu   sync.RWMutex
	ring *queue.Ring[*Message]
}

func newHistory(capacity int) *history {
	return &history{ring: queue.NewRing[*Message](capacity)}
}

func (h *history) add(m *Message) {
	h.mu.Lock()
	h.ring.Enqueue(m)
	h.mu.Unlock()
}

func (h *history) snapshot() []*Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.ring.Snapshot()
}

// filter returns matching messages from oldest to newest. When limit is positive only the
// newest limit matches are returned.
func (h *history) filter(p Pattern, limit int) []*Message {
	h.mu.RLock()
	out := make([]*Message, 0)
	h.ring.Each(func(m *Message) bool {
		if p.Match(m) {
			out = append(out, m)
		}
		return true
	})
	h.mu.RUnlock()

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.ring.Length()
}

func (h *history) capacity() int {
	return h.ring.Capacity()
}

func (h *history) evicted() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.ring.Evicted()
}

func (h *history) clear() {
	h.mu.Lock()
	h.ring.Reset()
	h.mu.Unlock()
}
