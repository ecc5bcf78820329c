package dataType

type GossipMessage struct {
	Type       string `json:"type"`        // e.g., "BROADCAST", "SYNC"
	ID         string `json:"id"`          // UUID for deduplication
	Seq        int64  `json:"seq"`         // Sequence number/Version
	Timestamp  int64  `json:"timestamp"`   // Creation time
	OriginNode string `json:"origin_node"` // Node that originated the message
	Content    string `json:"content"`     // JSON payload
	Expiration int64  `json:"expiration"`  // Absolute expiration timestamp
}

const (
	GossipTypeBroadcast   = "BROADCAST"
	GossipTypeBlockSender = "BLOCK_SENDER"
	GossipTypeSync        = "SYNC"
)

// SyncPayload is the anti-entropy content: the blocked-sender snapshot plus
// the trust edges this node is willing to announce.
type SyncPayload struct {
	BlockedSenders map[string]int64 `json:"blocked_senders"`
	TrustEdges     []TrustEdge      `json:"trust_edges"`
}
