package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/BitOpenCode/MRKT/internal/auth"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/metrics"
)

// DaemonInfo provides read-only access to daemon state for the API.
type DaemonInfo interface {
	NodeID() string
	Uptime() time.Duration
	PeerCount() int
	GossipPeerID() string
	WalletStatus() map[string]interface{}
	HeaderSyncStatus() map[string]interface{}
	AnchorStatus() map[string]interface{}
}

// Options carries the optional collaborators of the server.
type Options struct {
	Verifier  *auth.Verifier
	Metrics   *metrics.Metrics
	RateLimit float64 // requests per second per client on write routes; 0 disables
	RateBurst int
}

// corsMiddleware allows cross-origin requests from lottery front ends.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server is the HTTP JSON API of the draw daemon.
type Server struct {
	httpSrv  *http.Server
	daemon   DaemonInfo
	lottery  *draw.Service
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	limiter  *clientLimiter
	bind     string
	port     int
}

// New creates an HTTP server.
func New(bind string, port int, daemon DaemonInfo, svc *draw.Service, opts Options) *Server {
	s := &Server{
		daemon:   daemon,
		lottery:  svc,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		bind:     bind,
		port:     port,
	}
	if s.verifier == nil {
		s.verifier = auth.NewVerifier("")
	}
	if opts.RateLimit > 0 {
		s.limiter = newClientLimiter(opts.RateLimit, opts.RateBurst)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.registerLotteryRoutes(mux)
	return corsMiddleware(mux)
}

// Start pre-acquires the port and begins serving HTTP requests.
// If the primary port is in use, it falls back to port+1.
// Returns the actual port bound.
func (s *Server) Start() (int, error) {
	addr := fmt.Sprintf("%s:%d", s.bind, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fallbackPort := s.port + 1
		fallbackAddr := fmt.Sprintf("%s:%d", s.bind, fallbackPort)
		ln, err = net.Listen("tcp", fallbackAddr)
		if err != nil {
			return 0, fmt.Errorf("listen on %s and fallback %s: %w", addr, fallbackAddr, err)
		}
		log.Printf("[api] WARNING: Using fallback port %d (primary %d was in use)", fallbackPort, s.port)
		s.port = fallbackPort
	}

	log.Printf("[api] HTTP API listening on %s:%d", s.bind, s.port)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] HTTP server error: %v", err)
		}
	}()
	return s.port, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
	log.Println("[api] HTTP server stopped")
}
