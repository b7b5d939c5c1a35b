package anchor

import (
	"context"
	"log"
	"sync"

	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/metrics"
)

// Service publishes draw commitments and results in the background and
// records the resulting txids on the draws.
type Service struct {
	mode    string
	pub     Publisher
	retry   RetryConfig
	metrics *metrics.Metrics
	queue   chan Payload

	mu        sync.Mutex
	published int
	failed    int
	dropped   int
	lastTxid  string
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates an anchoring service. mode is reported in Status.
func NewService(mode string, pub Publisher, retry RetryConfig, m *metrics.Metrics) *Service {
	if pub == nil {
		pub = NoopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mode:    mode,
		pub:     pub,
		retry:   retry,
		metrics: m,
		queue:   make(chan Payload, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// HandleCommitted queues the commitment of a new draw. It is meant to be
// registered with draw.Service.OnCommitted.
func (s *Service) HandleCommitted(rec draw.Record) {
	s.enqueue(CommitPayload(rec.ID, rec.DrawNumber, rec.BlockHeights, rec.Tickets))
}

// HandleCompleted queues the result of a revealed draw.
func (s *Service) HandleCompleted(rec draw.Record) {
	if rec.Winner == nil {
		return
	}
	s.enqueue(RevealPayload(rec.ID, rec.DrawNumber, rec.SeedHex, *rec.Winner))
}

func (s *Service) enqueue(p Payload) {
	select {
	case s.queue <- p:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		log.Printf("[anchor] Queue full, dropping draw #%d %s", p.DrawNumber, p.Kind)
	}
}

// Start begins publishing queued payloads.
func (s *Service) Start() {
	s.done = make(chan struct{})
	go s.run()
	log.Printf("[anchor] Started (mode: %s)", s.mode)
}

// Stop cancels in-flight retries and waits for the worker to exit.
func (s *Service) Stop() {
	s.cancel()
	if s.done != nil {
		<-s.done
	}
	log.Println("[anchor] Stopped")
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.queue:
			s.publish(p)
		}
	}
}

// publish sends one payload and stores the txid on success.
func (s *Service) publish(p Payload) {
	res := PublishWithRetry(s.ctx, s.pub, p, s.retry)

	outcome := "ok"
	if !res.Success {
		outcome = "failed"
	}
	if s.metrics != nil {
		s.metrics.AnchorBroadcasts.WithLabelValues(p.Kind, outcome).Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !res.Success {
		s.failed++
		s.lastError = res.Error
		log.Printf("[anchor] Draw #%d %s not anchored: %s", p.DrawNumber, p.Kind, res.Error)
		return
	}
	s.published++
	if res.Txid == "" {
		return
	}
	s.lastTxid = res.Txid

	var err error
	if p.Kind == KindCommit {
		err = db.SetDrawCommitTxid(p.DrawID, res.Txid)
	} else {
		err = db.SetDrawRevealTxid(p.DrawID, res.Txid)
	}
	if err != nil {
		log.Printf("[anchor] Failed to record txid for draw #%d: %v", p.DrawNumber, err)
		return
	}
	log.Printf("[anchor] Draw #%d %s anchored: %s", p.DrawNumber, p.Kind, res.Txid)
}

// Status reports the publisher mode and counters.
func (s *Service) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"mode":       s.mode,
		"published":  s.published,
		"failed":     s.failed,
		"dropped":    s.dropped,
		"queued":     len(s.queue),
		"last_txid":  s.lastTxid,
		"last_error": s.lastError,
	}
}
