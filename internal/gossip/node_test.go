package gossip

import (
	"testing"
	"time"
)

func TestMarkSeen(t *testing.T) {
	n := NewNode("self", 0, 0, nil, false)
	defer n.cancel()

	if !n.markSeen("h1") {
		t.Fatal("first sighting reported as seen")
	}
	if n.markSeen("h1") {
		t.Error("replay reported as new")
	}
}

func TestMarkSeenPrunesExpired(t *testing.T) {
	n := NewNode("self", 0, 0, nil, false)
	defer n.cancel()

	old := time.Now().Unix() - MessageTTL - 1
	for i := 0; i < maxSeen; i++ {
		n.seen[string(rune(i))] = old
	}
	n.seen["fresh"] = time.Now().Unix()

	if !n.markSeen("new") {
		t.Fatal("new hash rejected")
	}
	if len(n.seen) != 2 {
		t.Errorf("seen set has %d entries after pruning, want 2", len(n.seen))
	}
}

func TestPublishBeforeStart(t *testing.T) {
	n := NewNode("self", 0, 0, nil, false)
	defer n.cancel()
	msg, _ := NewPing("self")
	if err := n.Publish(msg); err == nil {
		t.Error("publish on a stopped node succeeded")
	}
	if n.PeerCount() != 0 || n.PeerID() != "" {
		t.Error("unstarted node reports a host")
	}
}
