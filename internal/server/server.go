package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mesh_beacon/internal/broadcast"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
	"mesh_beacon/internal/metrics"
	"mesh_beacon/internal/trust"
	"mesh_beacon/internal/utils"
)

// Node bundles everything the HTTP surface operates on.
type Node struct {
	Cfg        *config.MainConfig
	Limits     *config.LimitConfig
	Graph      *trust.Graph
	Manager    *broadcast.Manager
	Gossip     *GossipManager
	GossipChan chan dataType.GossipMessage
	Log        *zap.Logger
}

// zoneRef adapts a plain zone id string to the GeoZone the manager filters
// on. The HTTP layer never sees zone geometry.
type zoneRef string

func (z zoneRef) ZoneID() string { return string(z) }

// StartServer starts the node API on the configured port.
func StartServer(n *Node) error {
	log.Printf("HTTP Server listening on :%s ...", n.Cfg.Port)
	return http.ListenAndServe(":"+n.Cfg.Port, n.Routes())
}

func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	web := n.Cfg.WebPath

	mux.HandleFunc(web+"/broadcast", n.handleCreateBroadcast)
	mux.HandleFunc(web+"/broadcasts", n.handleListBroadcasts)
	mux.HandleFunc(web+"/attest", n.handleAttest)
	mux.HandleFunc(web+"/report_spam", n.handleReportSpam)
	mux.HandleFunc(web+"/unblock", n.handleUnblock)
	mux.HandleFunc(web+"/trust", n.handleTrust)
	mux.HandleFunc(web+"/stats", n.handleStats)
	mux.HandleFunc(web+"/health_check", n.handleHealthCheck)
	mux.Handle(web+"/metrics", metrics.Handler())
	mux.HandleFunc(web+"/gossip", n.Gossip.HandleGossip)

	return mux
}

type createBroadcastRequest struct {
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	ActionURL   string   `json:"action_url"`
	ImageHash   string   `json:"image_hash"`
	Supersedes  string   `json:"supersedes"`
	TargetZones []string `json:"target_zones"`
	RadiusKm    float64  `json:"radius_km"`
	TTLSeconds  int64    `json:"ttl_seconds"`
	MaxHops     int      `json:"max_hops"`
}

func (n *Node) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Type == "" {
		http.Error(w, "type and title are required", http.StatusBadRequest)
		return
	}

	b, err := n.Manager.CreateBroadcast(r.Context(),
		dataType.BroadcastType(req.Type),
		dataType.Severity(req.Severity),
		req.Title, req.Body,
		broadcast.CreateOptions{
			ActionURL:   req.ActionURL,
			ImageHash:   req.ImageHash,
			Supersedes:  req.Supersedes,
			TargetZones: req.TargetZones,
			RadiusKm:    req.RadiusKm,
			TTL:         time.Duration(req.TTLSeconds) * time.Second,
			MaxHops:     req.MaxHops,
		})
	if err != nil {
		n.Log.Error("create broadcast failed", zap.Error(err))
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}

	utils.FloodBroadcast(n.Cfg.NodeName, b, n.GossipChan)
	writeJSON(w, http.StatusOK, b)
}

func (n *Node) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	zone := strings.TrimSpace(r.URL.Query().Get("zone"))
	var list []*dataType.EmergencyBroadcast
	if zone == "" {
		list = n.Manager.ActiveBroadcasts()
	} else {
		list = n.Manager.BroadcastsForZone(zoneRef(zone))
	}
	writeJSON(w, http.StatusOK, list)
}

type idRequest struct {
	ID string `json:"id"`
}

func (n *Node) handleAttest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	att, err := n.Manager.AttestBroadcast(r.Context(), req.ID)
	if err != nil {
		n.Log.Error("attest failed", zap.String("id", req.ID), zap.Error(err))
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (n *Node) handleReportSpam(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	blocked, err := n.Manager.ReportSpam(req.ID)
	if err != nil {
		http.Error(w, "Unknown broadcast", http.StatusNotFound)
		return
	}

	if blocked {
		if b, ok := n.Manager.GetBroadcast(req.ID); ok {
			utils.FloodBlockSender(n.Cfg.NodeName, b.BroadcasterID, n.GossipChan)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sender_blocked": blocked})
}

type peerRequest struct {
	PeerID string `json:"peer_id"`
	Level  string `json:"level"`
	Note   string `json:"note"`
	Name   string `json:"name"`
}

func (n *Node) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	n.Manager.UnblockSender(req.PeerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (n *Node) handleTrust(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		peer := strings.TrimSpace(r.URL.Query().Get("peer"))
		if peer == "" {
			http.Error(w, "peer is required", http.StatusBadRequest)
			return
		}
		path := n.Graph.GetTrustPath(peer)
		if path == nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"target_id": peer,
				"level":     dataType.TrustUnknown.String(),
			})
			return
		}
		writeJSON(w, http.StatusOK, path)

	case http.MethodPost:
		var req peerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		level := dataType.TrustDirect
		if req.Level != "" {
			var err error
			level, err = dataType.ParseTrustLevel(req.Level)
			if err != nil {
				http.Error(w, "Invalid trust level", http.StatusBadRequest)
				return
			}
		}
		if req.Name != "" {
			n.Graph.SetPeerName(req.PeerID, req.Name)
		}
		n.Graph.AddDirectTrust(req.PeerID, level, req.Note)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		peer := strings.TrimSpace(r.URL.Query().Get("peer"))
		if peer == "" {
			http.Error(w, "peer is required", http.StatusBadRequest)
			return
		}
		n.Graph.RemoveDirectTrust(peer)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (n *Node) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := struct {
		Graph          dataType.GraphStats `json:"graph"`
		ActiveCount    int                 `json:"active_broadcasts"`
		BlockedSenders int                 `json:"blocked_senders"`
	}{
		Graph:          n.Graph.Stats(),
		ActiveCount:    len(n.Manager.ActiveBroadcasts()),
		BlockedSenders: len(n.Manager.BlockedSnapshot()),
	}
	writeJSON(w, http.StatusOK, stats)
}

func (n *Node) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var builder strings.Builder
	builder.WriteString("ok\n")
	builder.WriteString("version=")
	builder.WriteString(dataType.MeshBeaconVersion)
	builder.WriteString("\n")
	builder.WriteString("time=")
	builder.WriteString(time.Now().Format(time.RFC3339))
	builder.WriteString("\n")
	builder.WriteString("ts=")
	builder.WriteString(strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 3, 64))
	builder.WriteString("\n")
	builder.WriteString("node=")
	builder.WriteString(n.Cfg.NodeName)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(builder.String())); err != nil {
		n.Log.Error("error writing health check response", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to encode JSON response: %v", err)
	}
}
