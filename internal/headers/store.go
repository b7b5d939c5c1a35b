package headers

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/BitOpenCode/MRKT/internal/db"
)

// BlockHeader is a confirmed block hash cached locally.
type BlockHeader struct {
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	Source    string `json:"source"`
	FetchedAt int64  `json:"fetched_at"`
}

// SyncProgress tracks what the tip poller has seen.
type SyncProgress struct {
	CachedHeaders  int    `json:"cached_headers"`
	HighestCached  int64  `json:"highest_cached"`
	ChainTipHeight int64  `json:"chain_tip_height"`
	Source         string `json:"source"`
	IsPolling      bool   `json:"is_polling"`
	LastPolledAt   int64  `json:"last_polled_at"`
	LastError      string `json:"last_error,omitempty"`
}

// HeaderStore provides SQLite storage for block hashes.
type HeaderStore struct {
	mu sync.RWMutex
}

// NewHeaderStore creates a new HeaderStore.
func NewHeaderStore() *HeaderStore {
	return &HeaderStore{}
}

// Put caches one hash. An existing row for the height is kept.
func (s *HeaderStore) Put(h BlockHeader) error {
	_, err := s.InsertBatch([]BlockHeader{h})
	return err
}

// InsertBatch inserts headers in a single transaction.
// Uses INSERT OR IGNORE so a cached height is never rewritten. Returns the
// number of rows inserted.
func (s *HeaderStore) InsertBatch(headers []BlockHeader) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := db.DB()
	if d == nil {
		return 0, fmt.Errorf("database not open")
	}

	tx, err := d.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO block_headers (height, hash, source, fetched_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	inserted := 0
	for _, h := range headers {
		if h.FetchedAt == 0 {
			h.FetchedAt = now
		}
		res, err := stmt.Exec(h.Height, h.Hash, h.Source, h.FetchedAt)
		if err != nil {
			return inserted, fmt.Errorf("insert height %d: %w", h.Height, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// HighestHeight returns the maximum stored block height, or -1 if empty.
func (s *HeaderStore) HighestHeight() (int64, error) {
	_, highest, err := s.summary()
	return highest, err
}

// Count returns the total number of stored headers.
func (s *HeaderStore) Count() (int, error) {
	n, _, err := s.summary()
	return n, err
}

func (s *HeaderStore) summary() (n int, highest int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := db.DB()
	if d == nil {
		return 0, -1, fmt.Errorf("database not open")
	}
	var top sql.NullInt64
	if err := d.QueryRow("SELECT COUNT(*), MAX(height) FROM block_headers").Scan(&n, &top); err != nil {
		return 0, -1, err
	}
	if !top.Valid {
		return n, -1, nil
	}
	return n, top.Int64, nil
}

// GetByHeight returns the header at the given height, or nil if not found.
func (s *HeaderStore) GetByHeight(height int64) (*BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := db.DB()
	if d == nil {
		return nil, fmt.Errorf("database not open")
	}

	var h BlockHeader
	row := d.QueryRow(`SELECT height, hash, source, fetched_at FROM block_headers WHERE height = ?`, height)
	switch err := row.Scan(&h.Height, &h.Hash, &h.Source, &h.FetchedAt); {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &h, nil
}
