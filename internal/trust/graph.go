package trust

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"

	"mesh_beacon/internal/dataType"
)

// Trust is transitive for at most three hops. Peers only reachable through
// longer chains resolve to unknown; this is what defines third-degree trust
// as the weakest nonzero level, it is not a search optimization.
const maxTrustHops = 3

// pathCacheTTL is a safety net only. Correctness comes from the full flush
// on every mutation.
const pathCacheTTL = 10 * time.Minute

// Graph is the local peer's web of trust: directed edges from peers to
// peers, rooted at the local peer. Direct edges are the ones the user
// explicitly created; known edges were learned from other peers announcing
// their own trust lists.
type Graph struct {
	mu          sync.RWMutex
	localPeerID string
	directTrust map[string]*dataType.TrustEdge
	allEdges    map[string][]*dataType.TrustEdge
	peerNames   map[string]string
	pathCache   *ttlcache.Cache[string, *dataType.TrustPath]
	validate    *validator.Validate
}

func NewGraph(localPeerID string) *Graph {
	cache := ttlcache.New[string, *dataType.TrustPath](
		ttlcache.WithTTL[string, *dataType.TrustPath](pathCacheTTL),
	)
	go cache.Start()

	return &Graph{
		localPeerID: localPeerID,
		directTrust: make(map[string]*dataType.TrustEdge),
		allEdges:    make(map[string][]*dataType.TrustEdge),
		peerNames:   make(map[string]string),
		pathCache:   cache,
		validate:    validator.New(),
	}
}

func (g *Graph) Close() {
	g.pathCache.Stop()
}

func (g *Graph) LocalPeerID() string {
	return g.localPeerID
}

// AddDirectTrust upserts an edge from the local peer to peer. The level is
// stored as edge metadata only: GetTrustLevel resolves any directly
// connected peer to TrustDirect because levels derive from path length, not
// from the stored label. Interoperating nodes rely on this behavior.
func (g *Graph) AddDirectTrust(peer string, level dataType.TrustLevel, note string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge := &dataType.TrustEdge{
		FromPeer:  g.localPeerID,
		ToPeer:    peer,
		Level:     level,
		CreatedAt: time.Now().Unix(),
		Note:      note,
	}
	g.directTrust[peer] = edge
	g.upsertEdge(edge)
	g.pathCache.DeleteAll()
}

// RemoveDirectTrust is idempotent; removing an absent edge is a no-op.
func (g *Graph) RemoveDirectTrust(peer string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.directTrust[peer]; !exists {
		return
	}
	delete(g.directTrust, peer)
	g.removeEdge(g.localPeerID, peer)
	g.pathCache.DeleteAll()
}

// AddKnownTrust records a third-party edge learned from a relaying peer's
// announced trust list.
func (g *Graph) AddKnownTrust(edge dataType.TrustEdge) error {
	if err := g.validate.Struct(&edge); err != nil {
		return errors.Wrap(err, "invalid trust edge")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if edge.FromPeer == g.localPeerID {
		g.directTrust[edge.ToPeer] = &edge
	}
	g.upsertEdge(&edge)
	g.pathCache.DeleteAll()
	return nil
}

// upsertEdge replaces any existing edge between the same pair. Callers hold
// the write lock.
func (g *Graph) upsertEdge(edge *dataType.TrustEdge) {
	edges := g.allEdges[edge.FromPeer]
	for i, e := range edges {
		if e.ToPeer == edge.ToPeer {
			edges[i] = edge
			return
		}
	}
	g.allEdges[edge.FromPeer] = append(edges, edge)
}

func (g *Graph) removeEdge(from, to string) {
	edges := g.allEdges[from]
	for i, e := range edges {
		if e.ToPeer == to {
			g.allEdges[from] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	if len(g.allEdges[from]) == 0 {
		delete(g.allEdges, from)
	}
}

func (g *Graph) GetTrustLevel(peer string) dataType.TrustLevel {
	path := g.GetTrustPath(peer)
	if path == nil {
		return dataType.TrustUnknown
	}
	return path.Level
}

// GetTrustPath returns the shortest trust path to peer, or nil when the
// peer is unreachable within the hop cap. Results, including negative ones,
// are cached until the next graph mutation.
func (g *Graph) GetTrustPath(peer string) *dataType.TrustPath {
	if item := g.pathCache.Get(peer); item != nil {
		return item.Value()
	}

	// The cache write happens under the read lock so a concurrent mutation
	// cannot flush the cache and then get overwritten by a stale result.
	g.mu.RLock()
	path := g.searchPath(peer)
	g.pathCache.Set(peer, path, ttlcache.DefaultTTL)
	g.mu.RUnlock()

	return path
}

// searchPath runs BFS from the local peer. The first time the target is
// dequeued the path is a shortest one. Callers hold at least the read lock.
func (g *Graph) searchPath(target string) *dataType.TrustPath {
	if target == g.localPeerID {
		return &dataType.TrustPath{
			TargetID:   target,
			Level:      dataType.TrustDirect,
			Path:       []dataType.PathHop{},
			PathLength: 0,
		}
	}

	type queueItem struct {
		peerID string
		path   []dataType.PathHop
	}

	visited := map[string]bool{g.localPeerID: true}
	queue := []queueItem{{peerID: g.localPeerID}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.peerID == target {
			return &dataType.TrustPath{
				TargetID:   target,
				Level:      dataType.LevelForPathLength(len(cur.path)),
				Path:       cur.path,
				PathLength: len(cur.path),
			}
		}

		if len(cur.path) >= maxTrustHops {
			continue
		}

		for _, edge := range g.allEdges[cur.peerID] {
			if visited[edge.ToPeer] {
				continue
			}
			visited[edge.ToPeer] = true
			hop := dataType.PathHop{PeerID: edge.ToPeer, Name: g.peerNames[edge.ToPeer]}
			path := make([]dataType.PathHop, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			queue = append(queue, queueItem{peerID: edge.ToPeer, path: append(path, hop)})
		}
	}
	return nil
}

func (g *Graph) IsTrusted(peer string, minLevel dataType.TrustLevel) bool {
	return g.GetTrustLevel(peer) >= minLevel
}

func (g *Graph) CanBroadcast(peer string) bool {
	return g.GetTrustLevel(peer) > dataType.TrustUnknown
}

// PeersAtLevel scans every known peer and resolves each one. O(V) per call;
// fine for an operator query, do not put it on the hot path.
func (g *Graph) PeersAtLevel(level dataType.TrustLevel) []string {
	peers := []string{}
	for _, peer := range g.knownPeers() {
		if g.GetTrustLevel(peer) == level {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (g *Graph) knownPeers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := make(map[string]struct{})
	for from, edges := range g.allEdges {
		if from != g.localPeerID {
			set[from] = struct{}{}
		}
		for _, e := range edges {
			if e.ToPeer != g.localPeerID {
				set[e.ToPeer] = struct{}{}
			}
		}
	}
	peers := make([]string, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	return peers
}

func (g *Graph) SetPeerName(peer, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peerNames[peer] = name
}

func (g *Graph) GetPeerName(peer string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peerNames[peer]
}

// Export serializes the full graph for persistence.
func (g *Graph) Export() dataType.TrustGraphState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	state := dataType.TrustGraphState{
		Version:     dataType.TrustStateVersion,
		DirectTrust: []dataType.TrustEdge{},
		KnownEdges:  []dataType.TrustEdge{},
	}
	for _, edge := range g.directTrust {
		state.DirectTrust = append(state.DirectTrust, *edge)
	}
	for from, edges := range g.allEdges {
		if from == g.localPeerID {
			continue
		}
		for _, edge := range edges {
			state.KnownEdges = append(state.KnownEdges, *edge)
		}
	}
	return state
}

// Import replaces all existing graph state with the given snapshot. This is
// a destructive replace, not a merge.
func (g *Graph) Import(state dataType.TrustGraphState) error {
	if err := g.validate.Struct(&state); err != nil {
		return errors.Wrap(err, "invalid trust graph state")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.directTrust = make(map[string]*dataType.TrustEdge)
	g.allEdges = make(map[string][]*dataType.TrustEdge)

	for i := range state.DirectTrust {
		edge := state.DirectTrust[i]
		edge.FromPeer = g.localPeerID
		g.directTrust[edge.ToPeer] = &edge
		g.upsertEdge(&edge)
	}
	for i := range state.KnownEdges {
		edge := state.KnownEdges[i]
		g.upsertEdge(&edge)
	}

	g.pathCache.DeleteAll()
	return nil
}

func (g *Graph) Stats() dataType.GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := 0
	set := make(map[string]struct{})
	for from, edges := range g.allEdges {
		total += len(edges)
		if from != g.localPeerID {
			set[from] = struct{}{}
		}
		for _, e := range edges {
			if e.ToPeer != g.localPeerID {
				set[e.ToPeer] = struct{}{}
			}
		}
	}
	return dataType.GraphStats{
		DirectEdges: len(g.directTrust),
		TotalEdges:  total,
		UniquePeers: len(set),
	}
}
