package draw

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/lottery"
)

// Reveal makes one attempt to complete a pending draw. Until the last
// committed block has the configured confirmations it returns a
// *chain.BlockNotMinedError for the height that would provide them. A
// completed draw is returned as stored and never recomputed.
func (s *Service) Reveal(ctx context.Context, drawID string) (*Record, error) {
	s.revealMu.Lock()
	defer s.revealMu.Unlock()

	d, err := db.GetDrawByID(drawID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Status == db.DrawCompleted {
		rec := NewRecord(d)
		return &rec, nil
	}

	rec, err := s.reveal(ctx, d)
	if s.metrics != nil {
		s.metrics.RevealAttempts.WithLabelValues(revealOutcome(err)).Inc()
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[draw] Draw #%d completed: winner %d of %d tickets (seed %s...)",
		rec.DrawNumber, *rec.Winner, len(rec.Tickets), rec.SeedHex[:16])
	if s.metrics != nil {
		s.metrics.DrawsCompleted.Inc()
		s.metrics.PendingDraws.Dec()
		s.metrics.RevealLatency.Observe(time.Since(time.Unix(rec.CreatedAt, 0)).Seconds())
	}
	s.hookMu.RLock()
	hooks := append([]func(Record){}, s.onCompleted...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(*rec)
	}
	return rec, nil
}

func (s *Service) reveal(ctx context.Context, d *db.Draw) (*Record, error) {
	last := d.BlockHeights[len(d.BlockHeights)-1]
	tip, err := s.src.CurrentTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain tip: %w", err)
	}
	if need := last + int64(s.cfg.Confirmations) - 1; tip < need {
		return nil, &chain.BlockNotMinedError{Height: need, Tip: tip}
	}

	hashes := make([]string, len(d.BlockHeights))
	for i, h := range d.BlockHeights {
		hash, err := s.src.BlockHash(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", h, err)
		}
		if !lottery.IsCanonicalHash(hash) {
			return nil, &chain.HashSourceUnavailableError{
				Source: "reveal",
				Err:    fmt.Errorf("block %d: malformed hash %q", h, hash),
			}
		}
		hashes[i] = hash
	}

	res, err := lottery.Draw(hashes, d.Tickets)
	if err != nil {
		return nil, fmt.Errorf("draw #%d: %w", d.DrawNumber, err)
	}

	// Self-check before anything is persisted.
	rep := lottery.Verify(ctx, lottery.Claim{
		SeedHex:     res.SeedHex,
		Tickets:     d.Tickets,
		Winner:      res.Winner,
		BlockHashes: hashes,
	}, nil)
	if !rep.Valid {
		return nil, fmt.Errorf("draw #%d failed self-verification: %w", d.DrawNumber, rep.Err())
	}

	proof, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	result := db.DrawResult{
		BlockHashes: hashes,
		SeedHex:     res.SeedHex,
		Winner:      res.Winner,
		ProofJSON:   string(proof),
	}
	if s.attestor != nil {
		payload := AttestationPayload(d.DrawNumber, d.Tickets, d.BlockHeights, hashes, res.SeedHex, res.Winner)
		if a, err := s.attestor.Attest(payload); err != nil {
			log.Printf("[draw] Attestation of draw #%d failed: %v", d.DrawNumber, err)
		} else if b, err := json.Marshal(a); err == nil {
			str := string(b)
			result.AttestationJSON = &str
		}
	}

	if err := db.CompleteDraw(d.ID, result); err != nil {
		return nil, fmt.Errorf("complete draw #%d: %w", d.DrawNumber, err)
	}
	done, err := db.GetDrawByID(d.ID)
	if err != nil {
		return nil, err
	}
	rec := NewRecord(done)
	return &rec, nil
}

func revealOutcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case chain.IsNotMined(err):
		return "not_mined"
	case chain.IsUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}

// RevealPending tries every pending draw once and returns how many completed.
func (s *Service) RevealPending(ctx context.Context) int {
	pending, err := db.GetPendingDraws()
	if err != nil {
		log.Printf("[draw] Failed to list pending draws: %v", err)
		return 0
	}
	completed := 0
	for _, d := range pending {
		if ctx.Err() != nil {
			break
		}
		_, err := s.Reveal(ctx, d.ID)
		switch {
		case err == nil:
			completed++
		case chain.IsNotMined(err):
			// waiting for blocks
		case chain.IsUnavailable(err):
			log.Printf("[draw] Draw #%d: hash source unavailable, will retry: %v", d.DrawNumber, err)
		default:
			log.Printf("[draw] Draw #%d: reveal failed: %v", d.DrawNumber, err)
		}
	}
	return completed
}

// Start runs the reveal loop: pending draws are retried whenever tips
// delivers a new height and on every PollInterval. tips may be nil. Draws
// left pending by a previous run are picked up immediately.
func (s *Service) Start(tips <-chan int64) {
	s.done = make(chan struct{})
	go s.run(tips)
}

// Stop ends the reveal loop and waits for it to exit.
func (s *Service) Stop() {
	s.cancel()
	if s.done != nil {
		<-s.done
	}
	log.Println("[draw] Reveal loop stopped")
}

func (s *Service) run(tips <-chan int64) {
	defer close(s.done)

	if n, err := db.CountDraws(db.DrawPending); err == nil && n > 0 {
		log.Printf("[draw] Resuming %d pending draw(s)", n)
		if s.metrics != nil {
			s.metrics.PendingDraws.Set(float64(n))
		}
	}
	s.RevealPending(s.ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tip, ok := <-tips:
			if !ok {
				tips = nil
				continue
			}
			if s.metrics != nil {
				s.metrics.ChainTip.Set(float64(tip))
			}
			s.RevealPending(s.ctx)
		case <-ticker.C:
			s.RevealPending(s.ctx)
		}
	}
}
