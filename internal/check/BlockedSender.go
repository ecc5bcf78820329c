package check

import (
	"mesh_beacon/internal/action"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
)

// BlockedSender rejects everything from senders the community reported past
// the spam threshold. Blocks only affect future broadcasts; whatever was
// admitted before the block stays stored.
func BlockedSender(b *dataType.EmergencyBroadcast, _ *config.LimitConfig, decision *action.Decision, mem *dataType.SharedMemory, _ int64) {
	if mem.Spam.IsBlocked(b.BroadcasterID) {
		decision.Reject(ReasonSenderBlocked)
	}
}
