// Package chain reads block heights and hashes from Bitcoin data sources.
package chain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"
)

// Source is a read-only view of a blockchain.
type Source interface {
	// CurrentTip returns the height of the best known block.
	CurrentTip(ctx context.Context) (int64, error)
	// BlockHash returns the display-order hex hash of the block at height.
	// It returns *BlockNotMinedError when height is above the tip.
	BlockHash(ctx context.Context, height int64) (string, error)
}

// Named is implemented by sources that can identify themselves in logs.
type Named interface {
	Name() string
}

// TipLeader is implemented by sources that combine several views of the
// chain and can report the most advanced one.
type TipLeader interface {
	LeadingTip(ctx context.Context) (int64, error)
}

// LeadingTip returns the highest tip any view behind src has seen. Heights a
// draw commits to must lie above it, since a block one explorer already
// serves is public. Plain sources fall back to CurrentTip.
func LeadingTip(ctx context.Context, src Source) (int64, error) {
	if l, ok := src.(TipLeader); ok {
		return l.LeadingTip(ctx)
	}
	return src.CurrentTip(ctx)
}

// BlockNotMinedError means the requested block does not exist yet. Callers
// poll again later.
type BlockNotMinedError struct {
	Height int64
	Tip    int64 // -1 if unknown
}

func (e *BlockNotMinedError) Error() string {
	if e.Tip < 0 {
		return fmt.Sprintf("block %d not mined yet", e.Height)
	}
	return fmt.Sprintf("block %d not mined yet (tip %d)", e.Height, e.Tip)
}

// HashSourceUnavailableError means the data source could not give a
// trustworthy answer. Callers back off and retry; they never substitute data.
type HashSourceUnavailableError struct {
	Source string
	Err    error
}

func (e *HashSourceUnavailableError) Error() string {
	return fmt.Sprintf("hash source %s unavailable: %v", e.Source, e.Err)
}

func (e *HashSourceUnavailableError) Unwrap() error { return e.Err }

// IsNotMined reports whether err is a *BlockNotMinedError.
func IsNotMined(err error) bool {
	var e *BlockNotMinedError
	return errors.As(err, &e)
}

// IsUnavailable reports whether err is a *HashSourceUnavailableError.
func IsUnavailable(err error) bool {
	var e *HashSourceUnavailableError
	return errors.As(err, &e)
}

func unavailable(src string, err error) error {
	return &HashSourceUnavailableError{Source: src, Err: err}
}

func sourceName(s Source) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// Networks New can read.
const (
	NetworkBTC = "btc"
	NetworkBSV = "bsv"
)

// Config selects and tunes the chain sources.
type Config struct {
	// Network is NetworkBTC (Esplora explorers) or NetworkBSV (Block
	// Headers Service). Empty means NetworkBTC.
	Network      string
	EsploraURLs  []string
	BHSURL       string
	BHSAPIKey    string
	MinAgreement int
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// New builds the configured source stack for one network, cross-checked by
// a Quorum when there is more than one source, wrapped in Retry. Esplora
// serves BTC and the Block Headers Service serves BSV, so they never vote
// together.
func New(cfg Config) (Source, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	var sources []Source
	switch cfg.Network {
	case "", NetworkBTC:
		if cfg.BHSURL != "" {
			return nil, fmt.Errorf("bhs_url serves %s headers, not %s", NetworkBSV, NetworkBTC)
		}
		for _, u := range cfg.EsploraURLs {
			if u == "" {
				continue
			}
			sources = append(sources, NewEsplora(u, cfg.Timeout))
		}
	case NetworkBSV:
		if cfg.BHSURL != "" {
			sources = append(sources, NewBHS(cfg.BHSURL, cfg.BHSAPIKey))
		}
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	var src Source
	switch len(sources) {
	case 0:
		return nil, fmt.Errorf("no %s chain sources configured", cmp.Or(cfg.Network, NetworkBTC))
	case 1:
		src = sources[0]
	default:
		need := cfg.MinAgreement
		if need <= 0 {
			need = len(sources)/2 + 1
		}
		if need > len(sources) {
			return nil, fmt.Errorf("min_agreement %d exceeds %d sources", need, len(sources))
		}
		src = NewQuorum(need, sources...)
	}

	return NewRetry(src, cfg.Retries, cfg.RetryBackoff), nil
}
