package gossip

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BitOpenCode/MRKT/internal/draw"
)

func TestNewMessage_Fields(t *testing.T) {
	msg, err := newMessage(MsgPing, "node-123", &PingPayload{
		Timestamp: time.Now().UnixMilli(),
		Nonce:     "abc",
	}, 30)
	if err != nil {
		t.Fatalf("newMessage: %v", err)
	}

	if msg.ID == "" {
		t.Error("message ID is empty")
	}
	if msg.Type != MsgPing {
		t.Errorf("type = %s, want PING", msg.Type)
	}
	if msg.Version != ProtocolVersion {
		t.Errorf("version = %s, want %s", msg.Version, ProtocolVersion)
	}
	if msg.SenderID != "node-123" {
		t.Errorf("sender_id = %s", msg.SenderID)
	}
	if msg.TTL != 30 {
		t.Errorf("ttl = %d, want 30", msg.TTL)
	}
}

func TestSerializeDeserialize_Roundtrip(t *testing.T) {
	msg, _ := NewHello("node-abc", 4030, 5)

	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.ID != msg.ID {
		t.Errorf("ID mismatch: %s != %s", got.ID, msg.ID)
	}
	if got.Type != msg.Type {
		t.Errorf("Type mismatch: %s != %s", got.Type, msg.Type)
	}
	if got.SenderID != msg.SenderID {
		t.Errorf("SenderID mismatch")
	}

	var payload HelloPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload.NodeID != "node-abc" || payload.ListeningPort != 4030 || payload.CompletedDraws != 5 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestNewDrawRevealed(t *testing.T) {
	w := int64(101)
	rec := draw.Record{
		ID:           "d1",
		DrawNumber:   4,
		Status:       "completed",
		Tickets:      []int64{101, 102, 103},
		BlockHeights: []int64{11, 12, 13},
		BlockHashes:  []string{hashA, hashB, hashC},
		SeedHex:      seedABC,
		Winner:       &w,
	}
	msg, err := NewDrawRevealed("node-1", rec)
	if err != nil {
		t.Fatalf("NewDrawRevealed: %v", err)
	}
	if msg.Type != MsgDrawRevealed {
		t.Errorf("type = %s", msg.Type)
	}
	var p DrawRevealedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Winner != 101 || p.SeedHex != seedABC || len(p.BlockHashes) != 3 {
		t.Errorf("payload = %+v", p)
	}

	rec.Winner = nil
	if _, err := NewDrawRevealed("node-1", rec); err == nil {
		t.Error("expected error for a draw without winner")
	}
}

func TestValidateMessage_Valid(t *testing.T) {
	msg, _ := NewPing("node-1")
	if err := ValidateMessage(msg); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestValidateMessage_Expired(t *testing.T) {
	msg, _ := NewPing("node-1")
	msg.Timestamp = time.Now().Add(-10 * time.Minute).UnixMilli()
	msg.TTL = 30

	if err := ValidateMessage(msg); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestValidateMessage_UnknownType(t *testing.T) {
	msg, _ := NewPing("node-1")
	msg.Type = "INVALID_TYPE"

	if err := ValidateMessage(msg); !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestValidateMessage_Payloads(t *testing.T) {
	committed := func(heights ...int64) *GossipMessage {
		msg, _ := NewDrawCommitted("node-1", draw.Record{
			ID: "d1", DrawNumber: 1, Tickets: []int64{1, 2},
			BlockHeights: heights, CommittedTipHeight: 100,
		})
		return msg
	}
	tests := []struct {
		name string
		msg  func() *GossipMessage
	}{
		{"no sender", func() *GossipMessage { m, _ := NewPing(""); return m }},
		{"hello without node id", func() *GossipMessage { m, _ := NewHello("", 4030, 0); return m }},
		{"ping without nonce", func() *GossipMessage {
			m, _ := newMessage(MsgPing, "node-1", &PingPayload{Timestamp: 1}, 30)
			return m
		}},
		{"committed without heights", func() *GossipMessage { return committed() }},
		{"committed height at tip", func() *GossipMessage { return committed(100, 101) }},
		{"committed heights out of order", func() *GossipMessage { return committed(102, 101) }},
		{"revealed without seed", func() *GossipMessage {
			m, _ := newMessage(MsgDrawRevealed, "node-1", &DrawRevealedPayload{DrawNumber: 1, Tickets: []int64{1}}, MessageTTL)
			return m
		}},
		{"payload is not an object", func() *GossipMessage {
			m, _ := NewPing("node-1")
			m.Payload = []byte(`"nope"`)
			return m
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateMessage(tc.msg()); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}

	if err := ValidateMessage(committed(101, 102, 103)); err != nil {
		t.Errorf("valid commit rejected: %v", err)
	}
}

func TestDecodePayloadTypes(t *testing.T) {
	hello, _ := NewHello("node-1", 4030, 2)
	if p, err := DecodePayload(hello); err != nil {
		t.Fatal(err)
	} else if hp, ok := p.(*HelloPayload); !ok || hp.CompletedDraws != 2 {
		t.Errorf("hello payload = %#v", p)
	}

	ping, _ := NewPing("node-1")
	pp, _ := DecodePayload(ping)
	pong, _ := NewPong("node-2", pp.(*PingPayload))
	if p, err := DecodePayload(pong); err != nil {
		t.Fatal(err)
	} else if po, ok := p.(*PongPayload); !ok || po.Nonce != pp.(*PingPayload).Nonce {
		t.Errorf("pong payload = %#v", p)
	}
}

func TestHashMessage_Deterministic(t *testing.T) {
	msg, _ := NewDrawCommitted("node-1", draw.Record{
		ID:           "d1",
		DrawNumber:   1,
		Tickets:      []int64{1, 2},
		BlockHeights: []int64{100, 101},
	})

	h1 := HashMessage(msg)
	again := *msg
	again.ID = "other-id"
	again.Timestamp++
	if h2 := HashMessage(&again); h1 != h2 {
		t.Error("replayed payload hashed differently")
	}
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32", len(h1))
	}
}

func TestSerialize_RejectsOversized(t *testing.T) {
	msg, _ := NewPing("node-1")
	// Stuff huge payload
	big := make([]byte, MaxMessageSize+1)
	msg.Payload = big

	_, err := Serialize(msg)
	if err == nil {
		t.Error("Serialize should reject oversized messages")
	}
}
