package chain

import (
	"context"
	"log"
	"time"
)

// Retry retries a source with exponential backoff while it is unavailable.
// BlockNotMinedError is returned immediately: waiting for blocks is the
// caller's job.
type Retry struct {
	src      Source
	attempts int
	backoff  time.Duration
}

// NewRetry wraps src. attempts counts retries after the first call.
func NewRetry(src Source, attempts int, backoff time.Duration) *Retry {
	if attempts < 0 {
		attempts = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Retry{src: src, attempts: attempts, backoff: backoff}
}

func (r *Retry) Name() string { return sourceName(r.src) }

// CurrentTip implements Source.
func (r *Retry) CurrentTip(ctx context.Context) (int64, error) {
	var tip int64
	err := r.do(ctx, "tip", func() error {
		var err error
		tip, err = r.src.CurrentTip(ctx)
		return err
	})
	return tip, err
}

// LeadingTip forwards to the wrapped source, see chain.LeadingTip.
func (r *Retry) LeadingTip(ctx context.Context) (int64, error) {
	var tip int64
	err := r.do(ctx, "leading tip", func() error {
		var err error
		tip, err = LeadingTip(ctx, r.src)
		return err
	})
	return tip, err
}

// BlockHash implements Source.
func (r *Retry) BlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := r.do(ctx, "block hash", func() error {
		var err error
		hash, err = r.src.BlockHash(ctx, height)
		return err
	})
	return hash, err
}

func (r *Retry) do(ctx context.Context, what string, fn func() error) error {
	delay := r.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsUnavailable(err) || attempt >= r.attempts {
			return err
		}
		log.Printf("[chain] %s failed (retry %d/%d in %v): %v", what, attempt+1, r.attempts, delay, err)
		select {
		case <-ctx.Done():
			return unavailable(r.Name(), ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}
