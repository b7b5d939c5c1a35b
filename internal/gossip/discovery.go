package gossip

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
)

const (
	rendezvous        = "drawd-gossip-v1"
	mdnsTag           = "drawd-gossip"
	discoveryInterval = 20 * time.Second
	redialInterval    = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

func (n *Node) startDHT() error {
	kad, err := dht.New(n.ctx, n.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return fmt.Errorf("dht: %w", err)
	}
	if err := kad.Bootstrap(n.ctx); err != nil {
		log.Printf("[gossip] DHT bootstrap: %v", err)
	}
	n.dht = kad
	return nil
}

func (n *Node) routingDiscovery() *drouting.RoutingDiscovery {
	return drouting.NewRoutingDiscovery(n.dht)
}

// startDiscovery runs mDNS on the LAN and, when the DHT is on, a loop that
// advertises on the rendezvous key and dials whatever it finds.
func (n *Node) startDiscovery() {
	svc := mdns.NewMdnsService(n.host, mdnsTag, lanNotifee{n})
	if err := svc.Start(); err != nil {
		log.Printf("[gossip] mDNS unavailable: %v", err)
	}
	if n.dht != nil {
		go n.discoveryLoop(n.routingDiscovery())
	}
}

func (n *Node) discoveryLoop(rd *drouting.RoutingDiscovery) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		if _, err := rd.Advertise(n.ctx, rendezvous); err != nil && n.ctx.Err() == nil {
			log.Printf("[gossip] Advertise %q: %v", rendezvous, err)
		}
		n.dialRendezvous(rd)
		n.dialRoutingTable()

		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) dialRendezvous(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()
	found, err := rd.FindPeers(ctx, rendezvous)
	if err != nil {
		return
	}
	for pi := range found {
		n.dial(pi, "rendezvous")
	}
}

// dialRoutingTable asks the DHT for peers near our own ID, then dials every
// routing-table entry we are not yet connected to. This finds drawd peers
// that have not advertised on the rendezvous key yet.
func (n *Node) dialRoutingTable() {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()
	if _, err := n.dht.GetClosestPeers(ctx, string(n.host.ID())); err != nil && n.ctx.Err() == nil {
		log.Printf("[gossip] DHT lookup: %v", err)
	}
	for _, id := range n.dht.RoutingTable().ListPeers() {
		n.dial(n.host.Peerstore().PeerInfo(id), "routing table")
	}
}

func (n *Node) dial(pi peer.AddrInfo, via string) {
	if pi.ID == "" || pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
		return
	}
	if n.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		log.Printf("[gossip] Dial %s (%s): %v", short(pi.ID.String()), via, err)
	}
}

// BootstrapDHT dials the given /p2p multiaddrs and re-dials them whenever
// the node ends up with no peers.
func (n *Node) BootstrapDHT(addrs []string) {
	if n.host == nil {
		return
	}
	var peers []peer.AddrInfo
	for _, s := range addrs {
		pi, err := peer.AddrInfoFromString(s)
		if err != nil {
			log.Printf("[gossip] Bad bootstrap peer %q: %v", s, err)
			continue
		}
		peers = append(peers, *pi)
	}
	if len(peers) == 0 {
		return
	}

	redial := func() {
		for _, pi := range peers {
			go n.dial(pi, "bootstrap")
		}
	}
	redial()

	go func() {
		ticker := time.NewTicker(redialInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				if n.PeerCount() == 0 {
					log.Println("[gossip] Isolated, re-dialing bootstrap peers")
					redial()
				}
			}
		}
	}()
}

type lanNotifee struct{ n *Node }

func (l lanNotifee) HandlePeerFound(pi peer.AddrInfo) {
	go l.n.dial(pi, "mdns")
}

// lanAddr returns the /ip4/<lan>/tcp/<port> address of the interface used
// for outbound traffic, or nil if none can be determined. No packet is sent.
func lanAddr(port int) multiaddr.Multiaddr {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()
	ip := conn.LocalAddr().(*net.UDPAddr).IP
	if ip.IsLoopback() {
		return nil
	}
	ma, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", ip, port))
	if err != nil {
		return nil
	}
	return ma
}
