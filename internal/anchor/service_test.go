package anchor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/metrics"
)

type staticChain struct {
	mu  sync.Mutex
	tip int64
}

func (c *staticChain) Name() string { return "static" }

func (c *staticChain) CurrentTip(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

func (c *staticChain) BlockHash(_ context.Context, h int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h > c.tip {
		return "", &chain.BlockNotMinedError{Height: h, Tip: c.tip}
	}
	return strings.Repeat(fmt.Sprintf("%x", h%16), 64), nil
}

// recordingPublisher answers with a txid derived from the payload.
type recordingPublisher struct {
	mu   sync.Mutex
	seen []Payload
}

func (r *recordingPublisher) Publish(_ context.Context, p Payload) (*Result, error) {
	r.mu.Lock()
	r.seen = append(r.seen, p)
	r.mu.Unlock()
	return &Result{Success: true, Txid: p.Kind + "-tx", Action: ActionDone}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceAnchorsCommitAndReveal(t *testing.T) {
	if err := db.Open(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	src := &staticChain{tip: 100}
	svc := draw.New(draw.Config{}, src)
	pub := &recordingPublisher{}
	m := metrics.New()
	a := NewService("test", pub, fastRetry, m)
	svc.OnCommitted(a.HandleCommitted)
	svc.OnCompleted(a.HandleCompleted)
	a.Start()
	defer a.Stop()

	for _, n := range []int64{1, 2, 3} {
		if _, err := svc.Purchase("alice", n); err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}
	rec, err := svc.Commit(context.Background(), 2, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	waitFor(t, "commit txid", func() bool {
		d, err := db.GetDrawByID(rec.ID)
		return err == nil && d.CommitTxid != nil
	})

	src.mu.Lock()
	src.tip = 102
	src.mu.Unlock()
	if _, err := svc.Reveal(context.Background(), rec.ID); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	waitFor(t, "reveal txid", func() bool {
		d, err := db.GetDrawByID(rec.ID)
		return err == nil && d.RevealTxid != nil
	})

	d, _ := db.GetDrawByID(rec.ID)
	if *d.CommitTxid != "commit-tx" || *d.RevealTxid != "reveal-tx" {
		t.Errorf("txids = %s / %s", *d.CommitTxid, *d.RevealTxid)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.seen) != 2 {
		t.Fatalf("published %d payloads, want 2", len(pub.seen))
	}
	if c := pub.seen[0]; c.PoolDigest != PoolDigest([]int64{1, 2, 3}) || len(c.Heights) != 2 || c.Heights[0] != 101 {
		t.Errorf("commit payload = %+v", c)
	}
	if r := pub.seen[1]; r.SeedHex == "" || r.Winner < 1 || r.Winner > 3 {
		t.Errorf("reveal payload = %+v", r)
	}

	st := a.Status()
	if st["published"] != 2 || st["last_txid"] != "reveal-tx" {
		t.Errorf("status = %v", st)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Payload) (*Result, error) {
	return &Result{Error: "insufficient fee", Action: ActionDone}, nil
}

func TestServiceRecordsFailures(t *testing.T) {
	a := NewService("test", failingPublisher{}, fastRetry, nil)
	a.Start()
	defer a.Stop()

	a.HandleCompleted(draw.Record{ID: "d", DrawNumber: 1}) // no winner, ignored
	w := int64(3)
	a.HandleCompleted(draw.Record{ID: "d", DrawNumber: 1, SeedHex: seedHex, Winner: &w})

	waitFor(t, "failure", func() bool { return a.Status()["failed"] == 1 })
	if st := a.Status(); st["last_error"] != "insufficient fee" || st["published"] != 0 {
		t.Errorf("status = %v", st)
	}
}
