package comm

import "sync/atomic"

// sequencer issues message sequence ids. The first id is 1 and ids are never reused.
type sequencer struct {
	id atomic.Uint64
}

func (s *sequencer) next() uint64 {
	return s.id.Add(1)
}

func (s *sequencer) last() uint64 {
	return s.id.Load()
}
