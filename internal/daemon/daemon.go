package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BitOpenCode/MRKT/internal/anchor"
	"github.com/BitOpenCode/MRKT/internal/auth"
	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/config"
	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/gossip"
	"github.com/BitOpenCode/MRKT/internal/headers"
	"github.com/BitOpenCode/MRKT/internal/lottery"
	"github.com/BitOpenCode/MRKT/internal/metrics"
	"github.com/BitOpenCode/MRKT/internal/server"
	"github.com/BitOpenCode/MRKT/internal/wallet"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Daemon orchestrates all drawd subsystems.
type Daemon struct {
	cfg        *config.Config
	nodeID     string
	startTime  time.Time
	wallet     *wallet.Wallet
	metrics    *metrics.Metrics
	source     chain.Source
	headerSync *headers.SyncService
	lottery    *draw.Service
	anchors    *anchor.Service
	gossipNode *gossip.Node
	httpSrv    *server.Server
	apiPort    int
	stopCh     chan struct{}
}

// New creates a new daemon instance.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{cfg: cfg, metrics: metrics.New(), stopCh: make(chan struct{})}, nil
}

// Start initializes and starts all subsystems in order.
func (d *Daemon) Start() error {
	d.startTime = time.Now()

	// 1. Open database
	if err := os.MkdirAll(d.cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if err := db.Open(d.cfg.DBPath()); err != nil {
		return fmt.Errorf("db open: %w", err)
	}

	nodeID, err := db.GetNodeID()
	if err != nil {
		return fmt.Errorf("get node id: %w", err)
	}
	d.nodeID = nodeID
	log.Printf("[daemon] Node ID: %s", nodeID[:16])

	// 2. Operator wallet: config/env WIF, then the persisted one, then a fresh key
	if err := d.loadWallet(); err != nil {
		return err
	}

	// 3. Chain sources, cached through the header store
	src, err := chain.New(chain.Config{
		Network:      d.cfg.Chain.Network,
		EsploraURLs:  d.cfg.Chain.EsploraURLs,
		BHSURL:       d.cfg.Chain.BHSURL,
		BHSAPIKey:    d.cfg.Chain.BHSAPIKey,
		MinAgreement: d.cfg.Chain.MinAgreement,
		Timeout:      d.cfg.Chain.Timeout,
		Retries:      d.cfg.Chain.Retries,
		RetryBackoff: d.cfg.Chain.RetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("chain sources: %w", err)
	}
	store := headers.NewHeaderStore()
	d.source = headers.NewCachingSource(src, store, d.cfg.Lottery.Confirmations)
	d.headerSync = headers.NewSyncService(headers.SyncConfig{
		PollInterval: d.cfg.Headers.PollInterval,
	}, d.source, store)

	// 4. Draw engine
	d.lottery = draw.New(draw.Config{
		DefaultBlockCount: d.cfg.Lottery.BlockCount,
		MaxBlockCount:     d.cfg.Lottery.MaxBlockCount,
		Confirmations:     d.cfg.Lottery.Confirmations,
		PollInterval:      d.cfg.Lottery.PollInterval,
		MaxTicketNumber:   d.cfg.Lottery.MaxTicketNumber,
	}, d.source)
	d.lottery.SetVerifySource(src)
	d.lottery.SetMetrics(d.metrics)
	if d.wallet != nil {
		d.lottery.SetAttestor(d.wallet)
	}
	d.lottery.OnCommitted(func(rec draw.Record) {
		log.Printf("[daemon] Draw #%d committed to blocks %v (%d tickets)",
			rec.DrawNumber, rec.BlockHeights, len(rec.Tickets))
	})

	// 5. Anchoring of commitments and results
	d.anchors = anchor.NewService(d.cfg.Anchor.Mode, d.newPublisher(), anchor.DefaultRetryConfig(), d.metrics)
	d.lottery.OnCommitted(d.anchors.HandleCommitted)
	d.lottery.OnCompleted(d.anchors.HandleCompleted)
	d.anchors.Start()

	// 6. Gossip node (with persistent identity)
	if d.cfg.Gossip.Enabled {
		if err := d.startGossip(); err != nil {
			log.Printf("[daemon] WARNING: gossip disabled: %v", err)
			d.gossipNode = nil
		}
	}

	d.lottery.Start(d.headerSync.Subscribe())
	d.headerSync.Start()

	go d.statusLoop()

	// 7. HTTP API
	d.httpSrv = server.New(d.cfg.API.Bind, d.cfg.API.Port, d, d.lottery, server.Options{
		Verifier:  auth.NewVerifier(d.cfg.API.JWTSecret),
		Metrics:   d.metrics,
		RateLimit: d.cfg.API.RateLimit,
		RateBurst: d.cfg.API.RateBurst,
	})
	if d.cfg.API.JWTSecret == "" {
		log.Println("[daemon] WARNING: no jwt_secret set, authenticated routes will answer 503")
	}
	port, err := d.httpSrv.Start()
	if err != nil {
		log.Printf("[daemon] WARNING: HTTP API failed to start: %v (draws continue)", err)
	} else {
		d.apiPort = port
		log.Printf("[daemon] HTTP API on port %d", port)
	}

	log.Println("[daemon] All systems online")
	return nil
}

func (d *Daemon) loadWallet() error {
	if d.cfg.Wallet.Key != "" {
		w, err := wallet.Load(d.cfg.Wallet.Key)
		if err != nil {
			log.Printf("[wallet] WIF load failed: %v (falling back to persisted key)", err)
		} else {
			d.wallet = w
			log.Printf("[wallet] Loaded operator key (address: %s)", w.Address)
			return nil
		}
	}
	if savedWIF, err := db.GetConfig("wallet_wif"); err == nil && savedWIF != "" {
		w, err := wallet.Load(savedWIF)
		if err != nil {
			log.Printf("[wallet] DB WIF load failed: %v (will regenerate)", err)
		} else {
			d.wallet = w
			log.Printf("[wallet] Loaded persisted wallet: %s", w.Address)
			return nil
		}
	}
	w, err := wallet.Generate()
	if err != nil {
		return fmt.Errorf("generate wallet: %w", err)
	}
	if err := db.SetConfig("wallet_wif", w.WIF); err != nil {
		log.Printf("[wallet] WARNING: Failed to persist wallet WIF: %v", err)
	}
	d.wallet = w
	log.Printf("[wallet] Generated and saved new wallet: %s", w.Address)
	return nil
}

func (d *Daemon) newPublisher() anchor.Publisher {
	switch d.cfg.Anchor.Mode {
	case "native":
		pub, err := anchor.NewBSVPublisher(anchor.BSVConfig{
			PrivateKey: d.wallet.PrivateKey,
			ArcURL:     d.cfg.Anchor.ArcURL,
			ArcAPIKey:  d.cfg.Anchor.ArcAPIKey,
			UTXOs:      anchor.NewWocUTXOProvider(),
		})
		if err != nil {
			log.Printf("[daemon] Native anchoring failed to init: %v (falling back to noop)", err)
			return anchor.NoopPublisher{}
		}
		log.Printf("[daemon] Native BSV anchoring configured (ARC: %s, funding: %s)", d.cfg.Anchor.ArcURL, pub.Address())
		return pub
	case "http":
		log.Printf("[daemon] HTTP anchoring configured: %s", d.cfg.Anchor.Endpoint)
		return anchor.NewHTTPPublisher(d.cfg.Anchor.Endpoint, d.wallet.Address)
	default:
		log.Println("[daemon] No anchoring configured, draws are recorded locally only")
		return anchor.NoopPublisher{}
	}
}

func (d *Daemon) startGossip() error {
	identityKey, err := loadOrCreateLibp2pIdentity()
	if err != nil {
		log.Printf("[gossip] WARNING: Failed to load/create identity: %v (using ephemeral)", err)
	}
	node := gossip.NewNode(d.nodeID, d.cfg.Gossip.Port, d.cfg.Gossip.MaxPeers, identityKey, d.cfg.Gossip.EnableDHT)

	handler := gossip.NewHandler(d.nodeID, d.source)
	handler.SetMetrics(d.metrics)
	handler.SetReplier(node.Publish)
	handler.SetVerdictObserver(func(v *gossip.Verdict) {
		if !v.Valid {
			log.Printf("[daemon] Peer %s announced draw #%d that does not verify",
				v.PeerID[:min(16, len(v.PeerID))], v.DrawNumber)
		}
	})
	node.SetHandler(handler.HandleMessage)
	node.SetCompletedDraws(func() int {
		st, err := d.lottery.Stats()
		if err != nil {
			return 0
		}
		return st.CompletedDraws
	})

	if err := node.Start(); err != nil {
		return fmt.Errorf("gossip start: %w", err)
	}
	d.gossipNode = node

	d.lottery.OnCommitted(node.AnnounceCommitted)
	d.lottery.OnCompleted(node.AnnounceRevealed)

	if len(d.cfg.Gossip.BootstrapPeers) > 0 {
		node.BootstrapDHT(d.cfg.Gossip.BootstrapPeers)
	}
	return nil
}

func (d *Daemon) statusLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			stats, err := d.lottery.Stats()
			if err != nil {
				log.Printf("[daemon] Stats failed: %v", err)
				continue
			}
			p := d.headerSync.Progress()
			log.Printf("[daemon] Peers: %d | Tip: %d | Pool: %d | Pending: %d | Completed: %d",
				d.PeerCount(), p.ChainTipHeight, stats.OpenPool, stats.PendingDraws, stats.CompletedDraws)
		}
	}
}

// Stop shuts down all subsystems.
func (d *Daemon) Stop() {
	log.Println("[daemon] Shutting down...")
	close(d.stopCh)

	if d.httpSrv != nil {
		d.httpSrv.Stop()
	}
	if d.lottery != nil {
		d.lottery.Stop()
	}
	if d.headerSync != nil {
		d.headerSync.Stop()
	}
	if d.gossipNode != nil {
		d.gossipNode.Stop()
	}
	if d.anchors != nil {
		d.anchors.Stop()
	}
	db.Close()

	log.Println("[daemon] Shutdown complete")
}

// Lottery exposes the draw engine to the MCP server and the mobile bindings.
func (d *Daemon) Lottery() *draw.Service { return d.lottery }

// APIPort returns the port the HTTP API is bound to, 0 if it is not serving.
func (d *Daemon) APIPort() int { return d.apiPort }

// VerifyDraw re-verifies a stored draw, re-fetching its block hashes.
func (d *Daemon) VerifyDraw(ctx context.Context, drawNumber int64) (*lottery.Report, error) {
	return d.lottery.VerifyDraw(ctx, drawNumber, true)
}

// --- Status accessors (used by HTTP API and MCP) ---

func (d *Daemon) NodeID() string        { return d.nodeID }
func (d *Daemon) Uptime() time.Duration { return time.Since(d.startTime) }

func (d *Daemon) PeerCount() int {
	if d.gossipNode != nil {
		return d.gossipNode.PeerCount()
	}
	return 0
}

func (d *Daemon) GossipPeerID() string {
	if d.gossipNode != nil {
		return d.gossipNode.PeerID()
	}
	return ""
}

func (d *Daemon) HeaderSyncStatus() map[string]interface{} {
	if d.headerSync == nil {
		return map[string]interface{}{"enabled": false}
	}
	p := d.headerSync.Progress()
	return map[string]interface{}{
		"enabled":        true,
		"is_polling":     p.IsPolling,
		"cached_headers": p.CachedHeaders,
		"highest_cached": p.HighestCached,
		"chain_tip":      p.ChainTipHeight,
		"source":         p.Source,
		"last_polled_at": p.LastPolledAt,
		"last_error":     p.LastError,
	}
}

func (d *Daemon) WalletStatus() map[string]interface{} {
	result := map[string]interface{}{}
	if d.wallet != nil {
		result["address"] = d.wallet.Address
		result["public_key"] = hex.EncodeToString(d.wallet.PublicKey)
	}
	return result
}

func (d *Daemon) AnchorStatus() map[string]interface{} {
	if d.anchors == nil {
		return map[string]interface{}{"mode": "none"}
	}
	return d.anchors.Status()
}

// loadOrCreateLibp2pIdentity loads a persisted Ed25519 key from the DB,
// or generates a new one and saves it. This gives the node a stable peer ID
// across restarts.
func loadOrCreateLibp2pIdentity() (libp2pcrypto.PrivKey, error) {
	const dbKey = "libp2p_identity_key"

	if saved, err := db.GetConfig(dbKey); err == nil && saved != "" {
		raw, err := hex.DecodeString(saved)
		if err != nil {
			return nil, fmt.Errorf("hex decode identity: %w", err)
		}
		key, err := libp2pcrypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal identity: %w", err)
		}
		log.Println("[gossip] Loaded persisted libp2p identity")
		return key, nil
	}

	key, _, err := libp2pcrypto.GenerateKeyPair(libp2pcrypto.Ed25519, 0)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := db.SetConfig(dbKey, hex.EncodeToString(raw)); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	log.Println("[gossip] Generated and saved new libp2p identity")
	return key, nil
}
