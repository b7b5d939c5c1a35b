package gossip

import (
	"context"
	"log"
	"time"

	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/lottery"
	"github.com/BitOpenCode/MRKT/internal/metrics"
	"github.com/BitOpenCode/MRKT/internal/wallet"
)

// Verdict is the outcome of re-verifying a peer's revealed draw.
type Verdict struct {
	PeerID      string          `json:"peer_id"`
	DrawNumber  int64           `json:"draw_number"`
	Valid       bool            `json:"valid"`
	Attested    bool            `json:"attested"`
	Report      *lottery.Report `json:"report"`
	AttestError string          `json:"attest_error,omitempty"`
}

// VerdictObserver is called after every re-verification.
type VerdictObserver func(v *Verdict)

// Replier publishes a response message (PONG).
type Replier func(msg *GossipMessage) error

// Handler dispatches incoming gossip messages. Revealed draws are
// re-verified locally before they count for the sender's reputation.
type Handler struct {
	nodeID   string
	lookup   lottery.HashLookup
	metrics  *metrics.Metrics
	observer VerdictObserver
	reply    Replier
	timeout  time.Duration
}

// NewHandler creates a handler. lookup, when non-nil, is used to re-fetch
// the block hashes of announced draws.
func NewHandler(nodeID string, lookup lottery.HashLookup) *Handler {
	return &Handler{nodeID: nodeID, lookup: lookup, timeout: 30 * time.Second}
}

// SetMetrics records verdicts in m.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// SetVerdictObserver registers a callback for re-verification results.
func (h *Handler) SetVerdictObserver(fn VerdictObserver) { h.observer = fn }

// SetReplier wires PING answers to the node.
func (h *Handler) SetReplier(fn Replier) { h.reply = fn }

// HandleMessage processes an incoming GossipMessage.
func (h *Handler) HandleMessage(msg *GossipMessage) {
	if msg.SenderID == h.nodeID {
		return
	}
	payload, err := DecodePayload(msg)
	if err != nil {
		log.Printf("[gossip] Dropping %s from %s: %v", msg.Type, short(msg.SenderID), err)
		return
	}
	switch p := payload.(type) {
	case *HelloPayload:
		if err := db.UpsertPeer(msg.SenderID); err != nil {
			log.Printf("[gossip] Failed to record peer %s: %v", short(msg.SenderID), err)
		}
		log.Printf("[gossip] HELLO from %s (v%s, %d draws, port %d)",
			short(p.NodeID), p.Version, p.CompletedDraws, p.ListeningPort)
	case *DrawCommittedPayload:
		db.UpsertPeer(msg.SenderID)
		log.Printf("[gossip] Peer %s committed draw #%d: %d tickets, heights %v",
			short(msg.SenderID), p.DrawNumber, len(p.Tickets), p.BlockHeights)
	case *DrawRevealedPayload:
		db.UpsertPeer(msg.SenderID)
		h.handleRevealed(msg.SenderID, p)
	case *PingPayload:
		h.answerPing(msg.SenderID, p)
	case *PongPayload:
		// liveness only
	}
}

func (h *Handler) handleRevealed(sender string, p *DrawRevealedPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	v := h.VerifyRevealed(ctx, sender, p)

	if err := db.RecordDrawVerdict(sender, v.Valid); err != nil {
		log.Printf("[gossip] Failed to record verdict for %s: %v", short(sender), err)
	}
	if h.metrics != nil {
		verdict := "valid"
		if !v.Valid {
			verdict = "invalid"
		}
		h.metrics.PeerVerdicts.WithLabelValues(verdict).Inc()
	}
	if v.Valid {
		log.Printf("[gossip] Draw #%d from %s verified: winner %d", p.DrawNumber, short(sender), p.Winner)
	} else {
		log.Printf("[gossip] Draw #%d from %s REJECTED: %s %s",
			p.DrawNumber, short(sender), v.Report.Message, v.AttestError)
	}
	if h.observer != nil {
		h.observer(v)
	}
}

// VerifyRevealed re-runs a peer's draw: seed from the hashes, winner from
// the seed, hashes against the chain when a lookup is configured, and the
// operator attestation when one is attached.
func (h *Handler) VerifyRevealed(ctx context.Context, peerID string, p *DrawRevealedPayload) *Verdict {
	rep := lottery.Verify(ctx, lottery.Claim{
		SeedHex:      p.SeedHex,
		Tickets:      p.Tickets,
		Winner:       p.Winner,
		BlockHashes:  p.BlockHashes,
		BlockHeights: p.BlockHeights,
	}, h.lookup)

	v := &Verdict{PeerID: peerID, DrawNumber: p.DrawNumber, Report: rep, Valid: rep.Valid}
	if !rep.SeedChecked {
		// A reveal without hashes cannot be audited.
		v.Valid = false
	}
	if p.Attestation != nil {
		payload := draw.AttestationPayload(p.DrawNumber, p.Tickets, p.BlockHeights, p.BlockHashes, p.SeedHex, p.Winner)
		if err := wallet.VerifyAttestation(p.Attestation, payload); err != nil {
			v.AttestError = err.Error()
			v.Valid = false
		} else {
			v.Attested = true
		}
	}
	return v
}

func (h *Handler) answerPing(sender string, p *PingPayload) {
	if h.reply == nil {
		return
	}
	pong, err := NewPong(h.nodeID, p)
	if err != nil {
		return
	}
	if err := h.reply(pong); err != nil {
		log.Printf("[gossip] PONG to %s failed: %v", short(sender), err)
	}
}

func short(id string) string {
	return id[:min(16, len(id))]
}
