package check

import (
	"mesh_beacon/internal/action"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
)

func Expired(b *dataType.EmergencyBroadcast, _ *config.LimitConfig, decision *action.Decision, _ *dataType.SharedMemory, now int64) {
	if b.IsExpired(now) {
		decision.Reject(ReasonExpired)
	}
}
