// Package draw runs the commit/reveal draw lifecycle on top of the ticket
// and draw tables.
package draw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/lottery"
	"github.com/BitOpenCode/MRKT/internal/metrics"
	"github.com/BitOpenCode/MRKT/internal/wallet"
	"github.com/google/uuid"
)

// Config tunes the draw lifecycle.
type Config struct {
	DefaultBlockCount int
	MaxBlockCount     int
	// Confirmations is the depth the last committed block must reach before
	// the draw is revealed. 1 means "mined".
	Confirmations int
	PollInterval  time.Duration
	// MaxTicketNumber bounds randomly assigned ticket numbers.
	MaxTicketNumber int64
}

// Attestor signs completed draws. *wallet.Wallet satisfies it.
type Attestor interface {
	Attest(payload []byte) (*wallet.Attestation, error)
}

// HistoryPage is one page of draw history.
type HistoryPage struct {
	Items      []Record `json:"items"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalPages int      `json:"totalPages"`
}

// Stats summarises the engine for status endpoints.
type Stats struct {
	OpenPool       int `json:"open_pool"`
	PendingDraws   int `json:"pending_draws"`
	CompletedDraws int `json:"completed_draws"`
	TotalTickets   int `json:"total_tickets"`
}

// Service owns the ticket pool and the draw lifecycle. Purchases and
// commits share one lock so a pool is frozen exactly once; reveals run
// under a separate lock and never block purchases.
type Service struct {
	cfg      Config
	src      chain.Source
	verify   lottery.HashLookup
	attestor Attestor
	metrics  *metrics.Metrics

	mu       sync.Mutex
	revealMu sync.Mutex

	hookMu      sync.RWMutex
	onCommitted []func(Record)
	onCompleted []func(Record)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a draw service reading the chain through src.
func New(cfg Config, src chain.Source) *Service {
	if cfg.DefaultBlockCount <= 0 {
		cfg.DefaultBlockCount = 3
	}
	if cfg.MaxBlockCount <= 0 {
		cfg.MaxBlockCount = 10
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxTicketNumber <= 0 {
		cfg.MaxTicketNumber = 999999
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{cfg: cfg, src: src, verify: src, ctx: ctx, cancel: cancel}
}

// SetVerifySource sets the lookup Verify re-fetches hashes from. When src
// is backed by a local cache, pass the uncached source here: a check
// against the cache only compares the draw with itself.
func (s *Service) SetVerifySource(l lottery.HashLookup) { s.verify = l }

// SetAttestor makes the service sign every completed draw.
func (s *Service) SetAttestor(a Attestor) { s.attestor = a }

// SetMetrics wires Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// OnCommitted registers a callback run after a draw's heights are committed.
func (s *Service) OnCommitted(fn func(Record)) {
	s.hookMu.Lock()
	s.onCommitted = append(s.onCommitted, fn)
	s.hookMu.Unlock()
}

// OnCompleted registers a callback run after a draw is revealed and settled.
func (s *Service) OnCompleted(fn func(Record)) {
	s.hookMu.Lock()
	s.onCompleted = append(s.onCompleted, fn)
	s.hookMu.Unlock()
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Purchase adds a ticket to the open pool. A zero number picks a random
// number not yet in the pool.
func (s *Service) Purchase(ownerID string, number int64) (*TicketRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if number < 0 {
		return nil, ErrInvalidTicket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if number == 0 {
		n, err := s.randomFreeNumber()
		if err != nil {
			return nil, err
		}
		number = n
	}

	t := &db.Ticket{ID: uuid.NewString(), TicketNumber: number, OwnerID: ownerID}
	if err := db.InsertTicket(t); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, fmt.Errorf("ticket %d: %w", number, lottery.ErrDuplicateTicket)
		}
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TicketsPurchased.Inc()
		s.metrics.OpenPoolSize.Inc()
	}
	rec := NewTicketRecord(t)
	return &rec, nil
}

func (s *Service) randomFreeNumber() (int64, error) {
	pool, err := db.OpenPool()
	if err != nil {
		return 0, fmt.Errorf("open pool: %w", err)
	}
	if int64(len(pool)) >= s.cfg.MaxTicketNumber {
		return 0, fmt.Errorf("open pool is full")
	}
	taken := make(map[int64]struct{}, len(pool))
	for _, t := range pool {
		taken[t.TicketNumber] = struct{}{}
	}
	for {
		n := rand.Int64N(s.cfg.MaxTicketNumber) + 1
		if _, ok := taken[n]; !ok {
			return n, nil
		}
	}
}

// Commit freezes the open pool into a new draw bound to the next blockCount
// blocks after the current tip. Nothing is written when the pool is empty.
func (s *Service) Commit(ctx context.Context, blockCount int, prizeContractID string) (*Record, error) {
	if blockCount == 0 {
		blockCount = s.cfg.DefaultBlockCount
	}
	if blockCount < 1 || blockCount > s.cfg.MaxBlockCount {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidBlockCount, blockCount, s.cfg.MaxBlockCount)
	}

	s.mu.Lock()
	rec, err := s.commitLocked(ctx, blockCount, prizeContractID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Printf("[draw] Draw #%d committed: %d tickets, blocks %v (tip %d)",
		rec.DrawNumber, len(rec.Tickets), rec.BlockHeights, rec.CommittedTipHeight)
	if s.metrics != nil {
		s.metrics.DrawsCommitted.Inc()
		s.metrics.PendingDraws.Inc()
		s.metrics.OpenPoolSize.Set(0)
	}
	s.hookMu.RLock()
	hooks := append([]func(Record){}, s.onCommitted...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(*rec)
	}
	return rec, nil
}

func (s *Service) commitLocked(ctx context.Context, blockCount int, prizeContractID string) (*Record, error) {
	pending, err := db.CountDraws(db.DrawPending)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if pending > 0 {
		return nil, ErrDrawPending
	}

	pool, err := db.OpenPool()
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, lottery.ErrEmptyPool
	}
	ids := make([]string, len(pool))
	numbers := make([]int64, len(pool))
	seen := make(map[int64]struct{}, len(pool))
	for i, t := range pool {
		if _, dup := seen[t.TicketNumber]; dup {
			return nil, fmt.Errorf("ticket %d: %w", t.TicketNumber, lottery.ErrDuplicateTicket)
		}
		seen[t.TicketNumber] = struct{}{}
		ids[i] = t.ID
		numbers[i] = t.TicketNumber
	}

	// Commit above the most advanced view: a height only some sources have
	// reached is already mined and its hash is public.
	tip, err := chain.LeadingTip(ctx, s.src)
	if err != nil {
		return nil, fmt.Errorf("chain tip: %w", err)
	}
	heights := make([]int64, blockCount)
	for i := range heights {
		heights[i] = tip + int64(i) + 1
	}

	d := &db.Draw{
		ID:           uuid.NewString(),
		Tickets:      numbers,
		BlockHeights: heights,
		CommittedTip: tip,
	}
	if prizeContractID != "" {
		d.PrizeContractID = &prizeContractID
	}
	if err := db.CreatePendingDraw(d, ids); err != nil {
		return nil, fmt.Errorf("create draw: %w", err)
	}
	rec := NewRecord(d)
	return &rec, nil
}

// Current returns the most recent draw, pending or completed.
func (s *Service) Current() (*Record, error) {
	d, err := db.GetLatestDraw()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := NewRecord(d)
	return &rec, nil
}

// Get returns a draw by number.
func (s *Service) Get(drawNumber int64) (*Record, error) {
	d, err := db.GetDrawByNumber(drawNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := NewRecord(d)
	return &rec, nil
}

// History returns draws newest first. page starts at 1; perPage is capped at
// 100.
func (s *Service) History(page, perPage int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}
	total, err := db.CountDraws("")
	if err != nil {
		return nil, err
	}
	draws, err := db.ListDraws(perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	items := make([]Record, len(draws))
	for i := range draws {
		items[i] = NewRecord(&draws[i])
	}
	return &HistoryPage{
		Items:      items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

// OpenPool returns the tickets waiting for the next draw.
func (s *Service) OpenPool() ([]TicketRecord, error) {
	tickets, err := db.OpenPool()
	if err != nil {
		return nil, err
	}
	return ticketRecords(tickets), nil
}

// UserTickets returns the tickets of one owner.
func (s *Service) UserTickets(ownerID string) ([]TicketRecord, error) {
	tickets, err := db.TicketsByOwner(ownerID, 500)
	if err != nil {
		return nil, err
	}
	return ticketRecords(tickets), nil
}

// ClaimPrize marks a winning ticket claimed for its owner. Tickets owned by
// someone else are reported as not found.
func (s *Service) ClaimPrize(ownerID, ticketID string) (*TicketRecord, error) {
	t, err := db.GetTicket(ticketID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && t.OwnerID != ownerID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Status != db.TicketWon {
		return nil, ErrNotWinner
	}
	if t.Claimed {
		return nil, ErrAlreadyClaimed
	}
	if t.DrawID == nil {
		return nil, ErrNoPrize
	}
	d, err := db.GetDrawByID(*t.DrawID)
	if err != nil {
		return nil, fmt.Errorf("load draw: %w", err)
	}
	if d.PrizeContractID == nil || *d.PrizeContractID == "" {
		return nil, ErrNoPrize
	}

	if err := db.ClaimTicket(t.ID, *d.PrizeContractID); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}
	log.Printf("[draw] Ticket %d of draw #%d claimed by %s", t.TicketNumber, d.DrawNumber, ownerID)

	t, err = db.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	rec := NewTicketRecord(t)
	return &rec, nil
}

// Verify audits a claim. With checkChain the block hashes are re-fetched
// from the verify source.
func (s *Service) Verify(ctx context.Context, c lottery.Claim, checkChain bool) *lottery.Report {
	var lookup lottery.HashLookup
	if checkChain {
		lookup = s.verify
	}
	rep := lottery.Verify(ctx, c, lookup)
	if s.metrics != nil {
		result := "valid"
		switch {
		case lottery.IsMismatch(rep.Err()):
			result = "mismatch"
		case !rep.Valid:
			result = "error"
		}
		s.metrics.Verifications.WithLabelValues(result).Inc()
	}
	if lottery.IsMismatch(rep.Err()) {
		log.Printf("[draw] Verification mismatch: %v", rep.Err())
	}
	return rep
}

// VerifyDraw audits a stored draw against its own published data.
func (s *Service) VerifyDraw(ctx context.Context, drawNumber int64, checkChain bool) (*lottery.Report, error) {
	rec, err := s.Get(drawNumber)
	if err != nil {
		return nil, err
	}
	if rec.Status != db.DrawCompleted {
		return nil, ErrNotCompleted
	}
	return s.Verify(ctx, rec.Claim(), checkChain), nil
}

// Stats counts pool tickets and draws.
func (s *Service) Stats() (Stats, error) {
	var st Stats
	pool, err := db.OpenPool()
	if err != nil {
		return st, err
	}
	st.OpenPool = len(pool)
	if st.PendingDraws, err = db.CountDraws(db.DrawPending); err != nil {
		return st, err
	}
	if st.CompletedDraws, err = db.CountDraws(db.DrawCompleted); err != nil {
		return st, err
	}
	if st.TotalTickets, err = db.CountTickets(""); err != nil {
		return st, err
	}
	return st, nil
}

func ticketRecords(tickets []db.Ticket) []TicketRecord {
	out := make([]TicketRecord, len(tickets))
	for i := range tickets {
		out[i] = NewTicketRecord(&tickets[i])
	}
	return out
}
