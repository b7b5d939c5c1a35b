package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Protocol is the first OP_RETURN push of every anchoring transaction.
const Protocol = "drawd"

// Payload kinds.
const (
	KindCommit = "commit"
	KindReveal = "reveal"
)

// Result actions.
const (
	ActionDone  = "done"
	ActionRetry = "retry"
	ActionStop  = "stop"
)

// Result is the outcome of a publish attempt.
type Result struct {
	Success bool   `json:"success"`
	Txid    string `json:"txid,omitempty"`
	Error   string `json:"error,omitempty"`
	Action  string `json:"action"` // "done", "retry", "stop"
}

// Payload is the draw data written on-chain. A commit carries the heights
// and the frozen pool digest; a reveal carries the seed and the winner.
type Payload struct {
	Kind       string  `json:"kind"`
	DrawID     string  `json:"draw_id"`
	DrawNumber int64   `json:"draw_number"`
	Heights    []int64 `json:"heights,omitempty"`
	PoolDigest string  `json:"pool_digest,omitempty"`
	SeedHex    string  `json:"seed_hex,omitempty"`
	Winner     int64   `json:"winner,omitempty"`
}

// CommitPayload describes a freshly committed draw.
func CommitPayload(drawID string, drawNumber int64, heights, tickets []int64) Payload {
	return Payload{
		Kind:       KindCommit,
		DrawID:     drawID,
		DrawNumber: drawNumber,
		Heights:    heights,
		PoolDigest: PoolDigest(tickets),
	}
}

// RevealPayload describes a completed draw.
func RevealPayload(drawID string, drawNumber int64, seedHex string, winner int64) Payload {
	return Payload{
		Kind:       KindReveal,
		DrawID:     drawID,
		DrawNumber: drawNumber,
		SeedHex:    seedHex,
		Winner:     winner,
	}
}

// PoolDigest is the hex SHA-256 of the ascending ticket numbers joined by
// commas. Anyone holding the published ticket list can recompute it.
func PoolDigest(tickets []int64) string {
	sorted := append([]int64(nil), tickets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = strconv.FormatInt(t, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// Pushes returns the OP_RETURN data pushes for p:
//
//	commit: drawd, commit, <draw number>, <h1,h2,...>, <pool digest>
//	reveal: drawd, reveal, <draw number>, <seed>, <winner>
//
// Hex fields are pushed as raw bytes.
func (p Payload) Pushes() ([][]byte, error) {
	out := [][]byte{
		[]byte(Protocol),
		[]byte(p.Kind),
		[]byte(strconv.FormatInt(p.DrawNumber, 10)),
	}
	switch p.Kind {
	case KindCommit:
		hs := make([]string, len(p.Heights))
		for i, h := range p.Heights {
			hs[i] = strconv.FormatInt(h, 10)
		}
		digest, err := hex.DecodeString(p.PoolDigest)
		if err != nil {
			return nil, fmt.Errorf("pool digest: %w", err)
		}
		out = append(out, []byte(strings.Join(hs, ",")), digest)
	case KindReveal:
		seed, err := hex.DecodeString(p.SeedHex)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		out = append(out, seed, []byte(strconv.FormatInt(p.Winner, 10)))
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return out, nil
}

// Publisher writes a payload on-chain.
type Publisher interface {
	Publish(ctx context.Context, p Payload) (*Result, error)
}

// RetryConfig configures the publish retry logic.
type RetryConfig struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the standard retry parameters.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		MinBackoff: 2 * time.Second,
		MaxBackoff: 5 * time.Second,
	}
}

func (c RetryConfig) backoff() time.Duration {
	if c.MaxBackoff <= c.MinBackoff {
		return c.MinBackoff
	}
	return c.MinBackoff + time.Duration(rand.Int63n(int64(c.MaxBackoff-c.MinBackoff)))
}

// PublishWithRetry publishes p, retrying on errors and on "retry" results
// (UTXO contention) up to MaxRetries times. A "stop" result returns at once.
func PublishWithRetry(ctx context.Context, pub Publisher, p Payload, cfg RetryConfig) *Result {
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := pub.Publish(ctx, p)
		if err != nil {
			log.Printf("[anchor] Publish error for draw #%d %s (attempt %d/%d): %v",
				p.DrawNumber, p.Kind, attempt+1, cfg.MaxRetries+1, err)
			if attempt < cfg.MaxRetries && wait(ctx, cfg.backoff()) {
				continue
			}
			return &Result{Success: false, Error: err.Error(), Action: ActionDone}
		}

		switch result.Action {
		case ActionRetry:
			if attempt < cfg.MaxRetries {
				d := cfg.backoff()
				log.Printf("[anchor] UTXO contention, retrying in %v (attempt %d/%d)", d, attempt+1, cfg.MaxRetries+1)
				if wait(ctx, d) {
					continue
				}
			}
			return result
		case ActionStop:
			log.Printf("[anchor] Publisher refused draw #%d %s: %s", p.DrawNumber, p.Kind, result.Error)
			return result
		default:
			return result
		}
	}
	return &Result{Success: false, Error: "max retries exceeded", Action: ActionDone}
}

// wait sleeps for d and reports false if ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NoopPublisher logs payloads without broadcasting.
type NoopPublisher struct{}

// Publish logs the payload.
func (NoopPublisher) Publish(_ context.Context, p Payload) (*Result, error) {
	log.Printf("[anchor] Draw #%d %s (no publisher configured)", p.DrawNumber, p.Kind)
	return &Result{Success: true, Action: ActionDone}, nil
}
