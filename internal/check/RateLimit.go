package check

import (
	"mesh_beacon/internal/action"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
)

// RateLimit enforces the per-sender window first, then every target zone.
// A broadcast whose sender is under quota can still be rejected when any
// one of its target zones is saturated. An empty zone list is a global
// broadcast and only the sender window applies.
func RateLimit(b *dataType.EmergencyBroadcast, limits *config.LimitConfig, decision *action.Decision, mem *dataType.SharedMemory, now int64) {
	if mem.SenderLimitCounter.Hit(b.BroadcasterID, now) > limits.MaxPerSender {
		decision.Reject(ReasonRateLimited)
		return
	}

	for _, zone := range b.TargetZones {
		if mem.ZoneLimitCounter.Hit(zone, now) > limits.MaxPerZone {
			decision.Reject(ReasonRateLimited)
			return
		}
	}
}
