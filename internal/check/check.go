package check

import (
	"mesh_beacon/internal/action"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
)

// Rejection reasons are part of the node's external contract; callers and
// tests match on them verbatim.
const (
	ReasonAlreadySeen      = "Already seen"
	ReasonExpired          = "Expired"
	ReasonSenderBlocked    = "Sender is blocked"
	ReasonRateLimited      = "Rate limit exceeded"
	ReasonInvalidSignature = "Invalid signature"
)

// CheckFunc is one admission step. A check either rejects via the decision
// or leaves it on Continue for the next step.
type CheckFunc func(b *dataType.EmergencyBroadcast, limits *config.LimitConfig, decision *action.Decision, mem *dataType.SharedMemory, now int64)

// Pipeline returns the synchronous admission steps in their mandatory
// order. Signature verification runs after these, at the crypto boundary.
func Pipeline() []CheckFunc {
	return []CheckFunc{
		AlreadySeen,
		Expired,
		BlockedSender,
		RateLimit,
	}
}
