package dataType

import "sync"

// SeenSet is the dedup set of broadcast ids this node has admitted or
// created. Entries survive pruning of the broadcast store so replayed
// deliveries stay rejected.
type SeenSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewSeenSet() *SeenSet {
	return &SeenSet{ids: make(map[string]struct{})}
}

func (s *SeenSet) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *SeenSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// SharedMemory bundles the mutable admission state the check pipeline
// operates on. Every member is internally synchronized.
type SharedMemory struct {
	SeenIDs            *SeenSet
	SenderLimitCounter *WindowCounter
	ZoneLimitCounter   *WindowCounter
	Spam               *SpamGuard
}
