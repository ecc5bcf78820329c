package check

import (
	"mesh_beacon/internal/action"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
)

// AlreadySeen rejects redeliveries. Transport retries are absorbed here, so
// no retry logic exists anywhere below this point.
func AlreadySeen(b *dataType.EmergencyBroadcast, _ *config.LimitConfig, decision *action.Decision, mem *dataType.SharedMemory, _ int64) {
	if mem.SeenIDs.Contains(b.ID) {
		decision.Reject(ReasonAlreadySeen)
	}
}
