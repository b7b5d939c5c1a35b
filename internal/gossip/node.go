package gossip

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
)

const (
	maxSeen        = 10000
	pingInterval   = 2 * time.Minute
	publishTimeout = 10 * time.Second
)

// Node is a drawd peer on the libp2p network. Every message travels on the
// single draws topic; messages are validated and de-duplicated by the
// pubsub validator before they reach the handler or get forwarded.
type Node struct {
	nodeID      string
	port        int
	maxPeers    int
	enableDHT   bool
	identityKey libp2pcrypto.PrivKey

	host  host.Host
	dht   *dht.IpfsDHT
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	handler   MessageHandler
	completed func() int

	seenMu sync.Mutex
	seen   map[string]int64

	ctx    context.Context
	cancel context.CancelFunc
}

// MessageHandler is called when a validated message arrives.
type MessageHandler func(msg *GossipMessage)

// NewNode creates a gossip node. identityKey may be nil for an ephemeral
// peer ID. enableDHT adds Kademlia discovery beyond the local network.
func NewNode(nodeID string, port, maxPeers int, identityKey libp2pcrypto.PrivKey, enableDHT bool) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		nodeID:      nodeID,
		port:        port,
		maxPeers:    maxPeers,
		enableDHT:   enableDHT,
		identityKey: identityKey,
		seen:        make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetHandler registers the message handler.
func (n *Node) SetHandler(h MessageHandler) { n.handler = h }

// SetCompletedDraws supplies the count advertised in HELLO messages.
func (n *Node) SetCompletedDraws(fn func() int) { n.completed = fn }

// Start creates the libp2p host, joins the draws topic and starts discovery.
func (n *Node) Start() error {
	h, err := n.newHost()
	if err != nil {
		return err
	}
	n.host = h
	log.Printf("[gossip] Peer ID %s", h.ID())
	for _, addr := range h.Addrs() {
		log.Printf("[gossip] Listening on %s/p2p/%s", addr, h.ID())
	}

	var psOpts []pubsub.Option
	if n.enableDHT {
		if err := n.startDHT(); err != nil {
			return err
		}
		psOpts = append(psOpts, pubsub.WithDiscovery(n.routingDiscovery()))
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, psOpts...)
	if err != nil {
		return fmt.Errorf("gossipsub: %w", err)
	}
	if err := ps.RegisterTopicValidator(TopicDraws, n.validate); err != nil {
		return fmt.Errorf("register validator: %w", err)
	}
	if n.topic, err = ps.Join(TopicDraws); err != nil {
		return fmt.Errorf("join %s: %w", TopicDraws, err)
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicDraws, err)
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			log.Printf("[gossip] Peer connected: %s", short(c.RemotePeer().String()))
			go n.sayHello()
		},
	})

	go n.readLoop()
	go n.pingLoop()
	n.startDiscovery()

	log.Printf("[gossip] Joined %s on port %d", TopicDraws, n.port)
	return nil
}

func (n *Node) newHost() (host.Host, error) {
	listen, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.port))
	if err != nil {
		return nil, fmt.Errorf("multiaddr: %w", err)
	}
	opts := []libp2p.Option{libp2p.ListenAddrs(listen)}
	if n.identityKey != nil {
		opts = append(opts, libp2p.Identity(n.identityKey))
	}
	if n.maxPeers > 0 {
		cm, err := connmgr.NewConnManager(n.maxPeers/2+1, n.maxPeers)
		if err != nil {
			return nil, fmt.Errorf("connmgr: %w", err)
		}
		opts = append(opts, libp2p.ConnectionManager(cm))
	}
	// Some mobile platforms hide interface addresses from libp2p; advertise
	// the LAN address found through the socket API as well.
	if lan := lanAddr(n.port); lan != nil {
		opts = append(opts, libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			for _, a := range addrs {
				if a.Equal(lan) {
					return addrs
				}
			}
			return append(addrs, lan)
		}))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p new: %w", err)
	}
	return h, nil
}

// Stop shuts down the gossip node.
func (n *Node) Stop() {
	n.cancel()
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		n.topic.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
	log.Println("[gossip] Stopped")
}

// PeerCount returns the number of connected libp2p peers.
func (n *Node) PeerCount() int {
	if n.host == nil {
		return 0
	}
	return len(n.host.Network().Peers())
}

// PeerID returns this node's libp2p peer ID.
func (n *Node) PeerID() string {
	if n.host == nil {
		return ""
	}
	return n.host.ID().String()
}

// Publish serializes msg, marks it seen and hands it to GossipSub.
func (n *Node) Publish(msg *GossipMessage) error {
	if n.topic == nil {
		return fmt.Errorf("gossip not started")
	}
	data, err := Serialize(msg)
	if err != nil {
		return err
	}
	n.markSeen(HashMessage(msg))
	ctx, cancel := context.WithTimeout(n.ctx, publishTimeout)
	defer cancel()
	return n.topic.Publish(ctx, data)
}

// AnnounceCommitted publishes a pending draw. Register it with
// draw.Service.OnCommitted.
func (n *Node) AnnounceCommitted(rec draw.Record) {
	msg, err := NewDrawCommitted(n.nodeID, rec)
	if err == nil {
		err = n.Publish(msg)
	}
	if err != nil {
		log.Printf("[gossip] Announce draw #%d commit failed: %v", rec.DrawNumber, err)
	}
}

// AnnounceRevealed publishes a completed draw for peers to re-verify.
func (n *Node) AnnounceRevealed(rec draw.Record) {
	msg, err := NewDrawRevealed(n.nodeID, rec)
	if err == nil {
		err = n.Publish(msg)
	}
	if err != nil {
		log.Printf("[gossip] Announce draw #%d reveal failed: %v", rec.DrawNumber, err)
	}
}

// validate runs before delivery and before forwarding, so malformed or
// replayed messages are neither handled nor relayed. The decoded message is
// passed on through ValidatorData.
func (n *Node) validate(_ context.Context, from peer.ID, pm *pubsub.Message) bool {
	msg, err := Deserialize(pm.Data)
	if err != nil {
		log.Printf("[gossip] Undecodable message from %s: %v", short(from.String()), err)
		return false
	}
	if from == n.host.ID() {
		pm.ValidatorData = msg
		return true
	}
	if err := ValidateMessage(msg); err != nil {
		log.Printf("[gossip] Rejected %s from %s: %v", msg.Type, short(from.String()), err)
		return false
	}
	if !n.markSeen(HashMessage(msg)) {
		return false
	}
	pm.ValidatorData = msg
	return true
}

func (n *Node) readLoop() {
	for {
		pm, err := n.sub.Next(n.ctx)
		if err != nil {
			return
		}
		if pm.ReceivedFrom == n.host.ID() {
			continue
		}
		msg, ok := pm.ValidatorData.(*GossipMessage)
		if !ok || n.handler == nil {
			continue
		}
		n.handler(msg)
	}
}

// markSeen records a message hash and reports whether it was new. Entries
// older than MessageTTL are pruned once the set grows past maxSeen.
func (n *Node) markSeen(hash string) bool {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	if _, ok := n.seen[hash]; ok {
		return false
	}
	now := time.Now().Unix()
	if len(n.seen) >= maxSeen {
		for k, at := range n.seen {
			if now-at > MessageTTL {
				delete(n.seen, k)
			}
		}
	}
	n.seen[hash] = now
	return true
}

func (n *Node) sayHello() {
	completed := 0
	if n.completed != nil {
		completed = n.completed()
	}
	msg, err := NewHello(n.nodeID, n.port, completed)
	if err == nil {
		err = n.Publish(msg)
	}
	if err != nil && n.ctx.Err() == nil {
		log.Printf("[gossip] HELLO failed: %v", err)
	}
}

// pingLoop keeps the mesh warm so idle peers are not pruned between draws.
func (n *Node) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() == 0 {
				continue
			}
			if msg, err := NewPing(n.nodeID); err == nil {
				if err := n.Publish(msg); err != nil {
					log.Printf("[gossip] PING failed: %v", err)
				}
			}
		}
	}
}
