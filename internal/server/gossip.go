package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"mesh_beacon/internal/broadcast"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
	"mesh_beacon/internal/metrics"
	"mesh_beacon/internal/trust"
)

const (
	GossipMaxSkew = 2 * time.Minute
	GossipMaxAge  = 10 * time.Minute

	// seenCacheSize bounds the dedup cache; old entries fall out on their
	// own instead of needing a sweep goroutine.
	seenCacheSize = 65536
)

// GossipManager floods signed broadcasts through the mesh and keeps
// cluster peers converged on blocked senders and announced trust edges.
// The link layer is HMAC-authenticated; the broadcasts themselves carry
// their own Ed25519 signatures and are verified by the BroadcastManager,
// never here.
type GossipManager struct {
	cfg                 *config.MainConfig
	manager             *broadcast.Manager
	graph               *trust.Graph
	seenMessages        *lru.Cache[string, int64]
	localSeq            int64
	AntiEntropyInterval time.Duration
}

func NewGossipManager(cfg *config.MainConfig, manager *broadcast.Manager, graph *trust.Graph) *GossipManager {
	seen, err := lru.New[string, int64](seenCacheSize)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &GossipManager{
		cfg:                 cfg,
		manager:             manager,
		graph:               graph,
		seenMessages:        seen,
		AntiEntropyInterval: 30 * time.Second,
	}
}

func (gm *GossipManager) Start(gossipChan <-chan dataType.GossipMessage) {
	log.Printf("GossipManager started, listening for events...")

	go gm.startAntiEntropy()

	for msg := range gossipChan {
		if msg.OriginNode == gm.cfg.NodeName {
			// Originated from this node, enrich and broadcast
			if msg.ID == "" {
				msg.ID = uuid.New().String()
			}
			msg.Timestamp = time.Now().Unix()
			msg.Seq = atomic.AddInt64(&gm.localSeq, 1)

			gm.markSeen(msg.ID)
			gm.epidemicBroadcast(msg)
		} else {
			gm.processRemoteMessage(msg)
		}
	}
}

func (gm *GossipManager) markSeen(id string) {
	gm.seenMessages.Add(id, time.Now().Unix())
}

func (gm *GossipManager) isSeen(id string) bool {
	return gm.seenMessages.Contains(id)
}

func (gm *GossipManager) epidemicBroadcast(msg dataType.GossipMessage) {
	// Fanout: Select k random peers
	k := 3
	peers := gm.cfg.Peers
	if len(peers) == 0 {
		return
	}

	perm := rand.Perm(len(peers))
	count := 0
	for _, i := range perm {
		if count >= k {
			break
		}
		go gm.sendGossip(peers[i], msg)
		count++
	}
}

// startAntiEntropy periodically pushes the blocked-sender snapshot and this
// node's announced trust edges to one random peer, so nodes missed by the
// epidemic flood still converge.
func (gm *GossipManager) startAntiEntropy() {
	ticker := time.NewTicker(gm.AntiEntropyInterval)
	defer ticker.Stop()

	for range ticker.C {
		peers := gm.cfg.Peers
		if len(peers) == 0 {
			continue
		}
		peer := peers[rand.Intn(len(peers))]

		state := gm.graph.Export()
		content, err := json.Marshal(dataType.SyncPayload{
			BlockedSenders: gm.manager.BlockedSnapshot(),
			TrustEdges:     state.DirectTrust,
		})
		if err != nil {
			log.Printf("[ERROR] Failed to marshal sync payload for anti-entropy: %v", err)
			continue
		}

		msg := dataType.GossipMessage{
			Type:       dataType.GossipTypeSync,
			ID:         uuid.New().String(),
			OriginNode: gm.cfg.NodeName,
			Timestamp:  time.Now().Unix(),
			Content:    string(content),
		}

		go gm.sendGossip(peer, msg)
	}
}

func (gm *GossipManager) sendGossip(p config.Peer, msg dataType.GossipMessage) {
	url := p.Address + gm.cfg.WebPath + "/gossip"

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal gossip message: %v", err)
		return
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(data))
	if err != nil {
		log.Printf("[ERROR] Failed to create request for peer %s: %v", p.Address, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")

	// Calculate HMAC-SHA512 Signature
	mac := hmac.New(sha512.New, []byte(gm.cfg.GlobalSecret))
	mac.Write(data)
	signature := hex.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-Beacon-Signature", signature)

	if p.Host != "" {
		req.Host = p.Host
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("[WARNING] Failed to send gossip to peer %s: %v", p.Address, err)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[WARNING] Failed to close response body from %s: %v", p.Address, err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[WARNING] Peer %s returned status %d", p.Address, resp.StatusCode)
	}
}

func (gm *GossipManager) HandleGossip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("[WARNING] HandleGossip: Failed to close request body: %v", err)
		}
	}()

	// Verify HMAC-SHA512 Signature
	signatureHeader := r.Header.Get("X-Beacon-Signature")
	if signatureHeader == "" {
		log.Printf("[SECURITY] Missing signature from %s", r.RemoteAddr)
		metrics.GossipDropped.WithLabelValues("bad_signature").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	sigBytes, err := hex.DecodeString(signatureHeader)
	if err != nil {
		log.Printf("[SECURITY] Invalid signature format from %s", r.RemoteAddr)
		metrics.GossipDropped.WithLabelValues("bad_signature").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	mac := hmac.New(sha512.New, []byte(gm.cfg.GlobalSecret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	if !hmac.Equal(sigBytes, expectedMAC) {
		log.Printf("[SECURITY] Invalid signature from %s", r.RemoteAddr)
		metrics.GossipDropped.WithLabelValues("bad_signature").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var msg dataType.GossipMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// Verify OriginNode is in Peers list
	knownPeer := false
	for _, p := range gm.cfg.Peers {
		if p.Name == msg.OriginNode {
			knownPeer = true
			break
		}
	}

	if !knownPeer {
		log.Printf("[SECURITY] Received gossip from unknown node: %s", msg.OriginNode)
		metrics.GossipDropped.WithLabelValues("unknown_origin").Inc()
		http.Error(w, "Forbidden: Unknown OriginNode", http.StatusForbidden)
		return
	}

	// Replay Protection: Timestamp Validation
	now := time.Now()
	msgTime := time.Unix(msg.Timestamp, 0)

	if now.Sub(msgTime) > GossipMaxAge {
		log.Printf("[SECURITY] Dropped old gossip from %s: ts=%d", msg.OriginNode, msg.Timestamp)
		metrics.GossipDropped.WithLabelValues("stale").Inc()
		// Not an error; answering OK stops any retry storm.
		writeAck(w)
		return
	}

	if msgTime.Sub(now) > GossipMaxSkew {
		log.Printf("[SECURITY] Dropped future gossip from %s: ts=%d", msg.OriginNode, msg.Timestamp)
		metrics.GossipDropped.WithLabelValues("future").Inc()
		writeAck(w)
		return
	}

	gm.processRemoteMessage(msg)

	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ACK")); err != nil {
		log.Printf("[ERROR] Failed to write ACK response: %v", err)
	}
}

func (gm *GossipManager) processRemoteMessage(msg dataType.GossipMessage) {
	// Deduplication
	if gm.isSeen(msg.ID) {
		return
	}
	gm.markSeen(msg.ID)

	switch msg.Type {
	case dataType.GossipTypeBroadcast:
		var b dataType.EmergencyBroadcast
		if err := json.Unmarshal([]byte(msg.Content), &b); err != nil {
			log.Printf("[ERROR] Failed to unmarshal broadcast from %s: %v", msg.OriginNode, err)
			metrics.GossipDropped.WithLabelValues("invalid_payload").Inc()
			return
		}
		if err := validateGossipBroadcast(&b); err != nil {
			log.Printf("[SECURITY] Dropped gossip broadcast from %s: id=%q err=%v", msg.OriginNode, b.ID, err)
			metrics.GossipDropped.WithLabelValues("invalid_payload").Inc()
			return
		}

		res := gm.manager.ProcessBroadcast(context.Background(), &b)
		if !res.Accepted {
			log.Printf("[GOSSIP] Broadcast %s from %s not admitted: %s", b.ID, msg.OriginNode, res.Reason)
			return
		}
		log.Printf("[GOSSIP] Admitted broadcast %s via %s (relay=%v)", b.ID, msg.OriginNode, res.ShouldRelay)

		// Epidemic: re-flood with the hop count advanced
		if res.ShouldRelay {
			if relayed := gm.manager.PrepareForRelay(b.ID); relayed != nil {
				content, err := json.Marshal(relayed)
				if err != nil {
					log.Printf("[ERROR] Failed to marshal relayed broadcast %s: %v", b.ID, err)
					return
				}
				msg.Content = string(content)
				gm.epidemicBroadcast(msg)
			}
		}

	case dataType.GossipTypeBlockSender:
		sender := strings.TrimSpace(msg.Content)
		if sender == "" {
			metrics.GossipDropped.WithLabelValues("invalid_payload").Inc()
			return
		}
		gm.manager.BlockSender(sender)
		log.Printf("[GOSSIP] Received BlockSender for %s from %s", sender, msg.OriginNode)

		gm.epidemicBroadcast(msg)

	case dataType.GossipTypeSync:
		log.Printf("[GOSSIP] Received SYNC from %s", msg.OriginNode)
		var payload dataType.SyncPayload
		if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
			log.Printf("[ERROR] Failed to unmarshal sync payload: %v", err)
			return
		}

		for sender := range payload.BlockedSenders {
			if strings.TrimSpace(sender) == "" {
				continue
			}
			gm.manager.BlockSender(sender)
		}

		invalidCount := 0
		for _, edge := range payload.TrustEdges {
			if err := gm.graph.AddKnownTrust(edge); err != nil {
				invalidCount++
				if invalidCount <= 5 {
					log.Printf("[SECURITY] Dropped SYNC trust edge from %s: %v", msg.OriginNode, err)
				}
			}
		}
		if invalidCount > 5 {
			log.Printf("[SECURITY] Dropped %d invalid SYNC trust edges from %s (only first 5 shown)", invalidCount, msg.OriginNode)
		}
	}
}

func validateGossipBroadcast(b *dataType.EmergencyBroadcast) error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("empty id")
	}
	if strings.TrimSpace(b.BroadcasterID) == "" {
		return fmt.Errorf("empty broadcaster id")
	}
	if len(b.Signature) == 0 {
		return fmt.Errorf("missing signature")
	}
	if b.ExpiresAt <= b.CreatedAt {
		return fmt.Errorf("expiry precedes creation")
	}
	if b.HopCount < 0 || b.MaxHops <= 0 {
		return fmt.Errorf("bad hop accounting")
	}
	return nil
}
