package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Quorum cross-checks several sources and only answers when at least need of
// them agree.
type Quorum struct {
	sources []Source
	need    int
}

// NewQuorum creates a quorum source.
func NewQuorum(need int, sources ...Source) *Quorum {
	return &Quorum{sources: sources, need: need}
}

func (q *Quorum) Name() string {
	names := make([]string, len(q.sources))
	for i, s := range q.sources {
		names[i] = sourceName(s)
	}
	return fmt.Sprintf("quorum(%d of %s)", q.need, strings.Join(names, ", "))
}

type answer struct {
	hash string
	tip  int64
	err  error
}

// ask queries every source in parallel. Individual failures are kept in the
// answers, not propagated, so one dead explorer cannot cancel the others.
func (q *Quorum) ask(ctx context.Context, fn func(context.Context, Source) answer) []answer {
	out := make([]answer, len(q.sources))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range q.sources {
		i, s := i, s
		g.Go(func() error {
			a := fn(gctx, s)
			mu.Lock()
			out[i] = a
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// tips collects the tip of every source that answered.
func (q *Quorum) tips(ctx context.Context) ([]int64, []string) {
	answers := q.ask(ctx, func(ctx context.Context, s Source) answer {
		tip, err := s.CurrentTip(ctx)
		return answer{tip: tip, err: err}
	})

	var tips []int64
	var errs []string
	for i, a := range answers {
		if a.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", sourceName(q.sources[i]), a.err))
			continue
		}
		tips = append(tips, a.tip)
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i] > tips[j] })
	return tips, errs
}

// CurrentTip returns the highest height reached by at least need sources.
// Blocks up to it are safe to read through BlockHash.
func (q *Quorum) CurrentTip(ctx context.Context) (int64, error) {
	tips, errs := q.tips(ctx)
	if len(tips) < q.need {
		return 0, unavailable(q.Name(), fmt.Errorf("%d of %d sources answered: %s", len(tips), q.need, strings.Join(errs, "; ")))
	}
	return tips[q.need-1], nil
}

// LeadingTip returns the highest height any single source reports. Blocks
// up to it may already be public even if the quorum cannot confirm them yet.
func (q *Quorum) LeadingTip(ctx context.Context) (int64, error) {
	tips, errs := q.tips(ctx)
	if len(tips) == 0 {
		return 0, unavailable(q.Name(), fmt.Errorf("no source answered: %s", strings.Join(errs, "; ")))
	}
	return tips[0], nil
}

// BlockHash returns a hash only when need sources report the same value.
func (q *Quorum) BlockHash(ctx context.Context, height int64) (string, error) {
	answers := q.ask(ctx, func(ctx context.Context, s Source) answer {
		h, err := s.BlockHash(ctx, height)
		return answer{hash: strings.ToLower(h), err: err}
	})

	votes := make(map[string]int)
	notMined := 0
	var tip int64 = -1
	var errs []string
	for i, a := range answers {
		switch {
		case a.err == nil:
			votes[a.hash]++
		case IsNotMined(a.err):
			notMined++
			var e *BlockNotMinedError
			if errors.As(a.err, &e) && e.Tip > tip {
				tip = e.Tip
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: %v", sourceName(q.sources[i]), a.err))
		}
	}

	for hash, n := range votes {
		if n >= q.need {
			if len(votes) > 1 {
				log.Printf("[chain] Sources disagree on block %d, accepting %s with %d votes", height, hash[:min(16, len(hash))], n)
			}
			return hash, nil
		}
	}
	if notMined >= q.need {
		return "", &BlockNotMinedError{Height: height, Tip: tip}
	}
	if len(votes) > 1 {
		return "", unavailable(q.Name(), fmt.Errorf("block %d: sources disagree (%d distinct hashes)", height, len(votes)))
	}
	return "", unavailable(q.Name(), fmt.Errorf("block %d: no quorum: %s", height, strings.Join(errs, "; ")))
}
