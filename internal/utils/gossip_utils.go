package utils

import (
	"encoding/json"
	"log"

	"mesh_beacon/internal/dataType"
)

// FloodBroadcast queues a signed broadcast for epidemic flooding. The send
// is non-blocking; a full channel drops the event rather than stalling the
// caller.
func FloodBroadcast(nodeName string, b *dataType.EmergencyBroadcast, gossipChan chan dataType.GossipMessage) {
	if gossipChan == nil {
		return
	}

	content, err := json.Marshal(b)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal broadcast %s for gossip: %v", b.ID, err)
		return
	}

	select {
	case gossipChan <- dataType.GossipMessage{
		Type:       dataType.GossipTypeBroadcast,
		OriginNode: nodeName,
		Content:    string(content),
		Expiration: b.ExpiresAt,
	}:
	default:
	}
}

// FloodBlockSender queues a blocked-sender announcement for the cluster.
func FloodBlockSender(nodeName string, senderID string, gossipChan chan dataType.GossipMessage) {
	if gossipChan == nil {
		return
	}

	select {
	case gossipChan <- dataType.GossipMessage{
		Type:       dataType.GossipTypeBlockSender,
		OriginNode: nodeName,
		Content:    senderID,
	}:
	default:
	}
}
