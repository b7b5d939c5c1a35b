package headers

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/BitOpenCode/MRKT/internal/chain"
)

// CachingSource serves block hashes from the local store and falls back to
// the wrapped source. A hash is only cached once it has minConf
// confirmations against the last tip seen, so a shallow reorg never pins a
// stale hash.
type CachingSource struct {
	src     chain.Source
	store   *HeaderStore
	minConf int64
	lastTip atomic.Int64
}

// NewCachingSource wraps src. minConf below 1 is treated as 1.
func NewCachingSource(src chain.Source, store *HeaderStore, minConf int) *CachingSource {
	if minConf < 1 {
		minConf = 1
	}
	c := &CachingSource{src: src, store: store, minConf: int64(minConf)}
	c.lastTip.Store(-1)
	return c
}

func (c *CachingSource) Name() string {
	if n, ok := c.src.(chain.Named); ok {
		return "cached " + n.Name()
	}
	return "cached source"
}

// CurrentTip implements chain.Source. The tip is never cached.
func (c *CachingSource) CurrentTip(ctx context.Context) (int64, error) {
	tip, err := c.src.CurrentTip(ctx)
	if err != nil {
		return 0, err
	}
	c.observeTip(tip)
	return tip, nil
}

// LeadingTip forwards to the wrapped source. It does not move the caching
// horizon, which follows the agreed tip only.
func (c *CachingSource) LeadingTip(ctx context.Context) (int64, error) {
	return chain.LeadingTip(ctx, c.src)
}

// BlockHash implements chain.Source.
func (c *CachingSource) BlockHash(ctx context.Context, height int64) (string, error) {
	if h, err := c.store.GetByHeight(height); err != nil {
		log.Printf("[headers] Cache read failed at %d: %v", height, err)
	} else if h != nil {
		return h.Hash, nil
	}

	hash, err := c.src.BlockHash(ctx, height)
	if err != nil {
		return "", err
	}
	if tip := c.lastTip.Load(); tip >= 0 && tip-height+1 >= c.minConf {
		name := "source"
		if n, ok := c.src.(chain.Named); ok {
			name = n.Name()
		}
		if err := c.store.Put(BlockHeader{Height: height, Hash: hash, Source: name}); err != nil {
			log.Printf("[headers] Cache write failed at %d: %v", height, err)
		}
	}
	return hash, nil
}

func (c *CachingSource) observeTip(tip int64) {
	for {
		cur := c.lastTip.Load()
		if tip <= cur || c.lastTip.CompareAndSwap(cur, tip) {
			return
		}
	}
}
