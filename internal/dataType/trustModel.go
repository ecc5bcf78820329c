package dataType

import "fmt"

// TrustLevel ranks how much the local peer trusts another peer. Higher is
// more trusted. The level is derived from shortest path length in the trust
// graph, never stored per peer.
type TrustLevel int

const (
	TrustUnknown TrustLevel = iota
	TrustThirdDegree
	TrustSecondDegree
	TrustDirect
)

func (l TrustLevel) String() string {
	switch l {
	case TrustDirect:
		return "direct"
	case TrustSecondDegree:
		return "second_degree"
	case TrustThirdDegree:
		return "third_degree"
	default:
		return "unknown"
	}
}

func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "direct":
		return TrustDirect, nil
	case "second_degree":
		return TrustSecondDegree, nil
	case "third_degree":
		return TrustThirdDegree, nil
	case "unknown":
		return TrustUnknown, nil
	}
	return TrustUnknown, fmt.Errorf("unexpected trust level: %s", s)
}

// LevelForPathLength maps a shortest trust path length to a level.
// Length 0 is the local peer itself and resolves to direct trust.
func LevelForPathLength(n int) TrustLevel {
	switch n {
	case 0, 1:
		return TrustDirect
	case 2:
		return TrustSecondDegree
	case 3:
		return TrustThirdDegree
	default:
		return TrustUnknown
	}
}

// TrustEdge is a directed trust relationship. Re-adding an edge between the
// same pair replaces the prior edge, parallel edges never exist.
type TrustEdge struct {
	FromPeer  string     `json:"from_peer" validate:"required"`
	ToPeer    string     `json:"to_peer" validate:"required"`
	Level     TrustLevel `json:"level" validate:"min=0,max=3"`
	CreatedAt int64      `json:"created_at"`
	Note      string     `json:"note,omitempty"`
}

type PathHop struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name,omitempty"`
}

// TrustPath is the cached result of a shortest-path trust query. It is
// recomputed on demand and thrown away whenever the graph mutates.
type TrustPath struct {
	TargetID   string     `json:"target_id"`
	Level      TrustLevel `json:"level"`
	Path       []PathHop  `json:"path"`
	PathLength int        `json:"path_length"`
}

const TrustStateVersion = 1

// TrustGraphState is the serialized form of the trust graph, suitable for
// any storage layer. Importing it replaces all existing state.
type TrustGraphState struct {
	Version     int         `json:"v" validate:"eq=1"`
	DirectTrust []TrustEdge `json:"directTrust" validate:"dive"`
	KnownEdges  []TrustEdge `json:"knownEdges" validate:"dive"`
}

type GraphStats struct {
	DirectEdges int `json:"direct_edges"`
	TotalEdges  int `json:"total_edges"`
	UniquePeers int `json:"unique_peers"`
}
