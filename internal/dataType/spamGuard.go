package dataType

import (
	"sync"
)

// SpamGuard tallies community spam reports per sender and keeps the set of
// blocked senders. A block is permanent until explicitly cleared; already
// stored broadcasts from a blocked sender are not touched.
type SpamGuard struct {
	mu        sync.RWMutex
	reports   map[string]int
	blocked   map[string]int64
	threshold int
}

func NewSpamGuard(threshold int) *SpamGuard {
	return &SpamGuard{
		reports:   make(map[string]int),
		blocked:   make(map[string]int64),
		threshold: threshold,
	}
}

// Report records one spam report against sender and returns true once the
// accumulated reports cross the block threshold.
func (sg *SpamGuard) Report(sender string, now int64) bool {
	sg.mu.Lock()
	defer sg.mu.Unlock()

	sg.reports[sender]++
	if sg.reports[sender] >= sg.threshold {
		if _, exists := sg.blocked[sender]; !exists {
			sg.blocked[sender] = now
		}
		return true
	}
	return false
}

func (sg *SpamGuard) IsBlocked(sender string) bool {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	_, exists := sg.blocked[sender]
	return exists
}

// Block adds sender to the blocked set directly, bypassing the report
// tally. Used when a block arrives from a cluster peer.
func (sg *SpamGuard) Block(sender string, now int64) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	if _, exists := sg.blocked[sender]; !exists {
		sg.blocked[sender] = now
	}
}

// Unblock clears both the block and the report tally for sender.
func (sg *SpamGuard) Unblock(sender string) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	delete(sg.blocked, sender)
	delete(sg.reports, sender)
}

func (sg *SpamGuard) ReportCount(sender string) int {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	return sg.reports[sender]
}

func (sg *SpamGuard) BlockedCount() int {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	return len(sg.blocked)
}

// Snapshot returns a copy of the blocked senders and the time each block
// was applied.
func (sg *SpamGuard) Snapshot() map[string]int64 {
	sg.mu.RLock()
	defer sg.mu.RUnlock()

	snapshot := make(map[string]int64, len(sg.blocked))
	for sender, blockedAt := range sg.blocked {
		snapshot[sender] = blockedAt
	}
	return snapshot
}
