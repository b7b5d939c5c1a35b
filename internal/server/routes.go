package server

import (
	"encoding/json"
	"net/http"

	"github.com/BitOpenCode/MRKT/internal/db"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/peers", s.handlePeers)
	mux.HandleFunc("GET /api/headers/status", s.handleHeadersStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	nodeID := s.daemon.NodeID()
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"version":   "0.1.0",
		"node_id":   nodeID[:min(16, len(nodeID))],
		"uptime_ms": s.daemon.Uptime().Milliseconds(),
		"peers":     s.daemon.PeerCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers, _ := db.GetActivePeers()

	status := map[string]interface{}{
		"node_id":   s.daemon.NodeID(),
		"uptime_ms": s.daemon.Uptime().Milliseconds(),
		"peers": map[string]interface{}{
			"connected": s.daemon.PeerCount(),
			"known":     len(peers),
			"peer_id":   s.daemon.GossipPeerID(),
		},
		"headers": s.daemon.HeaderSyncStatus(),
		"wallet":  s.daemon.WalletStatus(),
		"anchor":  s.daemon.AnchorStatus(),
	}

	if stats, err := s.lottery.Stats(); err == nil {
		status["lottery"] = stats
	} else {
		status["lottery_error"] = err.Error()
	}

	writeJSON(w, status)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := db.GetActivePeers()
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if peers == nil {
		peers = []db.Peer{}
	}
	writeJSON(w, peers)
}

func (s *Server) handleHeadersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.daemon.HeaderSyncStatus())
}
