package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mesh_beacon/internal/broadcast"
	"mesh_beacon/internal/config"
	"mesh_beacon/internal/dataType"
	"mesh_beacon/internal/identity"
	"mesh_beacon/internal/server"
	"mesh_beacon/internal/trust"
	"mesh_beacon/internal/utils"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	// Load MainConfig
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	// Load limits
	limits, err := config.LoadLimits(basePath)
	if err != nil {
		log.Fatalf("Load limits failed: %v", err)
	}

	logger := utils.BuildLogger(cfg.LogPath)
	defer func() {
		_ = logger.Sync()
	}()

	// Node identity and peer keys
	nodeID, err := identity.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		log.Fatalf("Load node key failed: %v", err)
	}
	keyRing := identity.NewKeyRing()
	keyRing.Add(nodeID.PeerID, nodeID.PublicKey())
	for _, p := range cfg.Peers {
		if p.PublicKey == "" {
			continue
		}
		peerID, err := keyRing.AddBase64(p.PublicKey)
		if err != nil {
			log.Fatalf("Bad public key for peer %s: %v", p.Name, err)
		}
		if p.PeerID != "" && p.PeerID != peerID {
			log.Fatalf("Peer %s: configured peer_id %s does not match key fingerprint %s", p.Name, p.PeerID, peerID)
		}
	}

	// Trust graph, restored from the last export if one exists
	graph := trust.NewGraph(nodeID.PeerID)
	defer graph.Close()
	loadTrustState(cfg.TrustStatePath, graph)

	manager := broadcast.NewManager(nodeID.PeerID, cfg.NodeName, graph, limits, broadcast.Crypto{
		Sign:         nodeID.Sign,
		Verify:       identity.Verify,
		GetPublicKey: keyRing.Lookup,
	}, logger)

	gossipChan := make(chan dataType.GossipMessage, 100)
	gm := server.NewGossipManager(cfg, manager, graph)
	go gm.Start(gossipChan)

	node := &server.Node{
		Cfg:        cfg,
		Limits:     limits,
		Graph:      graph,
		Manager:    manager,
		Gossip:     gm,
		GossipChan: gossipChan,
		Log:        logger,
	}

	log.Printf("Ready to start node %s on port %s", nodeID.PeerID, cfg.Port)

	// Start server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(node)
	}()

	select {
	case <-stop:
		log.Println("Stopping node...")
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}

	saveTrustState(cfg.TrustStatePath, graph)
	log.Println("Node stopped")
}

func loadTrustState(path string, graph *trust.Graph) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARNING] Failed to read trust state %s: %v", path, err)
		}
		return
	}
	var state dataType.TrustGraphState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[WARNING] Failed to parse trust state %s: %v", path, err)
		return
	}
	if err := graph.Import(state); err != nil {
		log.Printf("[WARNING] Failed to import trust state %s: %v", path, err)
	}
}

func saveTrustState(path string, graph *trust.Graph) {
	if path == "" {
		return
	}
	data, err := json.Marshal(graph.Export())
	if err != nil {
		log.Printf("[WARNING] Failed to marshal trust state: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.Printf("[WARNING] Failed to write trust state %s: %v", path, err)
	}
}
