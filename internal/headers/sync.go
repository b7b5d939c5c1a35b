package headers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/BitOpenCode/MRKT/internal/chain"
)

// SyncConfig configures the tip poller.
type SyncConfig struct {
	PollInterval time.Duration
}

// SyncService polls the chain tip in the background and notifies
// subscribers when it advances. Pending draws use it to know when their
// committed blocks may have been mined.
type SyncService struct {
	cfg    SyncConfig
	store  *HeaderStore
	src    chain.Source
	mu     sync.RWMutex
	subs   []chan int64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	progress SyncProgress
}

// NewSyncService creates a new tip poller.
func NewSyncService(cfg SyncConfig, src chain.Source, store *HeaderStore) *SyncService {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SyncService{
		cfg:    cfg,
		store:  store,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.progress.ChainTipHeight = -1
	s.progress.HighestCached = -1
	if n, ok := src.(chain.Named); ok {
		s.progress.Source = n.Name()
	}
	return s
}

// Start polls once immediately, then every PollInterval.
func (s *SyncService) Start() {
	s.mu.Lock()
	s.progress.IsPolling = true
	s.mu.Unlock()
	go s.run()
}

// Stop cancels the poller and waits for the goroutine to exit.
func (s *SyncService) Stop() {
	s.cancel()
	<-s.done

	s.mu.Lock()
	s.progress.IsPolling = false
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	log.Println("[headers] Tip poller stopped")
}

// Progress returns a snapshot of poller state.
func (s *SyncService) Progress() SyncProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// Subscribe returns a channel that receives each new tip height. Slow
// readers miss intermediate tips, never the latest one.
func (s *SyncService) Subscribe() <-chan int64 {
	ch := make(chan int64, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Poll fetches the tip once and returns it.
func (s *SyncService) Poll(ctx context.Context) (int64, error) {
	tip, err := s.src.CurrentTip(ctx)

	count, highest, _ := s.store.summary()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.LastPolledAt = time.Now().Unix()
	s.progress.CachedHeaders = count
	s.progress.HighestCached = highest
	if err != nil {
		s.progress.LastError = err.Error()
		return 0, err
	}
	s.progress.LastError = ""
	if tip > s.progress.ChainTipHeight {
		if s.progress.ChainTipHeight >= 0 {
			log.Printf("[headers] New tip %d (was %d)", tip, s.progress.ChainTipHeight)
		} else {
			log.Printf("[headers] Chain tip %d via %s", tip, s.progress.Source)
		}
		s.progress.ChainTipHeight = tip
		for _, ch := range s.subs {
			select {
			case <-ch:
			default:
			}
			ch <- tip
		}
	}
	return tip, nil
}

func (s *SyncService) run() {
	defer close(s.done)

	if _, err := s.Poll(s.ctx); err != nil {
		log.Printf("[headers] Poll: failed to get chain tip: %v", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(s.ctx); err != nil {
				log.Printf("[headers] Poll: failed to get chain tip: %v", err)
			}
		}
	}
}
