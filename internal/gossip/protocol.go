package gossip

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/wallet"
)

// TopicDraws carries every drawd message. GossipSub does the relaying, so
// the envelope has no hop counter.
const TopicDraws = "drawd/draws/v1"

const (
	ProtocolVersion = "1.0.0"
	MaxMessageSize  = 256 * 1024 // revealed draws carry the whole pool
	MessageTTL      = 600        // seconds
	pingTTL         = 30
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrExpired     = errors.New("message expired")
	ErrUnknownType = errors.New("unknown message type")
)

type MessageType string

const (
	MsgHello         MessageType = "HELLO"
	MsgPing          MessageType = "PING"
	MsgPong          MessageType = "PONG"
	MsgDrawCommitted MessageType = "DRAW_COMMITTED"
	MsgDrawRevealed  MessageType = "DRAW_REVEALED"
)

// GossipMessage is the envelope. Timestamp is unix milliseconds and TTL is
// in seconds.
type GossipMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	SenderID  string          `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	TTL       int             `json:"ttl"`
	Payload   json.RawMessage `json:"payload"`
}

type HelloPayload struct {
	NodeID         string `json:"node_id"`
	Version        string `json:"version"`
	CompletedDraws int    `json:"completed_draws"`
	ListeningPort  int    `json:"listening_port"`
}

// DrawCommittedPayload announces a frozen pool and the heights it waits for.
type DrawCommittedPayload struct {
	DrawID             string  `json:"draw_id"`
	DrawNumber         int64   `json:"draw_number"`
	Tickets            []int64 `json:"tickets"`
	BlockHeights       []int64 `json:"block_heights"`
	CommittedTipHeight int64   `json:"committed_tip_height"`
}

// DrawRevealedPayload carries everything a peer needs to re-run the draw.
type DrawRevealedPayload struct {
	DrawID       string              `json:"draw_id"`
	DrawNumber   int64               `json:"draw_number"`
	Tickets      []int64             `json:"tickets"`
	BlockHeights []int64             `json:"block_heights"`
	BlockHashes  []string            `json:"block_hashes"`
	SeedHex      string              `json:"seed_hex"`
	Winner       int64               `json:"winner"`
	Attestation  *wallet.Attestation `json:"attestation,omitempty"`
}

type PingPayload struct {
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

type PongPayload struct {
	Timestamp        int64  `json:"timestamp"`
	Nonce            string `json:"nonce"`
	RequestTimestamp int64  `json:"request_timestamp"`
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func newMessage(msgType MessageType, senderID string, payload interface{}, ttl int) (*GossipMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &GossipMessage{
		ID:        randomHex(16),
		Type:      msgType,
		Version:   ProtocolVersion,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		TTL:       ttl,
		Payload:   data,
	}, nil
}

func NewHello(nodeID string, port, completedDraws int) (*GossipMessage, error) {
	return newMessage(MsgHello, nodeID, &HelloPayload{
		NodeID:         nodeID,
		Version:        ProtocolVersion,
		CompletedDraws: completedDraws,
		ListeningPort:  port,
	}, MessageTTL)
}

func NewPing(nodeID string) (*GossipMessage, error) {
	return newMessage(MsgPing, nodeID, &PingPayload{
		Timestamp: time.Now().UnixMilli(),
		Nonce:     randomHex(8),
	}, pingTTL)
}

func NewPong(nodeID string, ping *PingPayload) (*GossipMessage, error) {
	return newMessage(MsgPong, nodeID, &PongPayload{
		Timestamp:        time.Now().UnixMilli(),
		Nonce:            ping.Nonce,
		RequestTimestamp: ping.Timestamp,
	}, pingTTL)
}

// NewDrawCommitted announces a pending draw.
func NewDrawCommitted(nodeID string, rec draw.Record) (*GossipMessage, error) {
	return newMessage(MsgDrawCommitted, nodeID, &DrawCommittedPayload{
		DrawID:             rec.ID,
		DrawNumber:         rec.DrawNumber,
		Tickets:            rec.Tickets,
		BlockHeights:       rec.BlockHeights,
		CommittedTipHeight: rec.CommittedTipHeight,
	}, MessageTTL)
}

// NewDrawRevealed announces a completed draw. The record must have a winner.
func NewDrawRevealed(nodeID string, rec draw.Record) (*GossipMessage, error) {
	if rec.Winner == nil {
		return nil, fmt.Errorf("draw #%d has no winner", rec.DrawNumber)
	}
	return newMessage(MsgDrawRevealed, nodeID, &DrawRevealedPayload{
		DrawID:       rec.ID,
		DrawNumber:   rec.DrawNumber,
		Tickets:      rec.Tickets,
		BlockHeights: rec.BlockHeights,
		BlockHashes:  rec.BlockHashes,
		SeedHex:      rec.SeedHex,
		Winner:       *rec.Winner,
		Attestation:  rec.Attestation,
	}, MessageTTL)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ValidateMessage checks the envelope, its age and the shape of its payload.
// Whether a revealed draw is actually correct is the handler's business.
func ValidateMessage(msg *GossipMessage) error {
	switch {
	case msg.ID == "":
		return malformed("missing id")
	case msg.Version == "":
		return malformed("missing version")
	case msg.SenderID == "":
		return malformed("missing sender_id")
	case msg.Timestamp == 0:
		return malformed("missing timestamp")
	case msg.TTL <= 0:
		return malformed("ttl %d", msg.TTL)
	case len(msg.Payload) == 0:
		return malformed("missing payload")
	}
	if age := time.Since(time.UnixMilli(msg.Timestamp)); age > time.Duration(msg.TTL)*time.Second {
		return fmt.Errorf("%w: %s old, ttl %ds", ErrExpired, age.Round(time.Second), msg.TTL)
	}
	_, err := DecodePayload(msg)
	return err
}

// DecodePayload unmarshals the payload into the struct for msg.Type and
// checks the fields every receiver relies on.
func DecodePayload(msg *GossipMessage) (interface{}, error) {
	switch msg.Type {
	case MsgHello:
		var p HelloPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, malformed("hello: %v", err)
		}
		if p.NodeID == "" {
			return nil, malformed("hello without node_id")
		}
		return &p, nil

	case MsgPong:
		var p PongPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, malformed("pong: %v", err)
		}
		return &p, nil

	case MsgPing:
		var p PingPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, malformed("ping: %v", err)
		}
		if p.Nonce == "" {
			return nil, malformed("ping without nonce")
		}
		return &p, nil

	case MsgDrawCommitted:
		var p DrawCommittedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, malformed("committed: %v", err)
		}
		if p.DrawNumber < 1 || len(p.Tickets) == 0 || len(p.BlockHeights) == 0 {
			return nil, malformed("committed draw #%d is incomplete", p.DrawNumber)
		}
		for i, h := range p.BlockHeights {
			if h <= p.CommittedTipHeight || (i > 0 && h <= p.BlockHeights[i-1]) {
				return nil, malformed("committed draw #%d: height %d out of order", p.DrawNumber, h)
			}
		}
		return &p, nil

	case MsgDrawRevealed:
		var p DrawRevealedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, malformed("revealed: %v", err)
		}
		if p.DrawNumber < 1 || len(p.Tickets) == 0 || p.SeedHex == "" {
			return nil, malformed("revealed draw #%d is incomplete", p.DrawNumber)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
}

// HashMessage is the replay key: type, sender and payload, ignoring the
// per-send id and timestamp.
func HashMessage(msg *GossipMessage) string {
	h := sha256.New()
	h.Write([]byte(msg.Type))
	h.Write([]byte{0})
	h.Write([]byte(msg.SenderID))
	h.Write([]byte{0})
	h.Write(msg.Payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Serialize encodes a message, refusing anything over MaxMessageSize.
func Serialize(msg *GossipMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}
	return data, nil
}

func Deserialize(data []byte) (*GossipMessage, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}
	var msg GossipMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, malformed("%v", err)
	}
	return &msg, nil
}
