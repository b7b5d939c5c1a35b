// Package metrics exposes draw engine counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one daemon.
type Metrics struct {
	reg *prometheus.Registry

	TicketsPurchased prometheus.Counter
	DrawsCommitted   prometheus.Counter
	DrawsCompleted   prometheus.Counter
	RevealAttempts   *prometheus.CounterVec
	Verifications    *prometheus.CounterVec
	ChainTip         prometheus.Gauge
	PendingDraws     prometheus.Gauge
	OpenPoolSize     prometheus.Gauge
	RevealLatency    prometheus.Histogram
	PeerVerdicts     *prometheus.CounterVec
	AnchorBroadcasts *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TicketsPurchased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawd", Name: "tickets_purchased_total",
			Help: "Tickets accepted into the open pool.",
		}),
		DrawsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawd", Name: "draws_committed_total",
			Help: "Draws whose block heights were committed.",
		}),
		DrawsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawd", Name: "draws_completed_total",
			Help: "Draws revealed and settled.",
		}),
		RevealAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawd", Name: "reveal_attempts_total",
			Help: "Reveal attempts by outcome.",
		}, []string{"outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawd", Name: "verifications_total",
			Help: "Verifier runs by result.",
		}, []string{"result"}),
		ChainTip: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drawd", Name: "chain_tip_height",
			Help: "Last chain tip seen by the poller.",
		}),
		PendingDraws: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drawd", Name: "pending_draws",
			Help: "Draws waiting for their committed blocks.",
		}),
		OpenPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drawd", Name: "open_pool_tickets",
			Help: "Tickets in the open pool.",
		}),
		RevealLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "drawd", Name: "reveal_latency_seconds",
			Help:    "Time from commit to completed draw.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}),
		PeerVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawd", Name: "peer_draw_verdicts_total",
			Help: "Draws announced by peers, by re-verification verdict.",
		}, []string{"verdict"}),
		AnchorBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawd", Name: "anchor_broadcasts_total",
			Help: "On-chain anchoring attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicketsPurchased, m.DrawsCommitted, m.DrawsCompleted, m.RevealAttempts,
		m.Verifications, m.ChainTip, m.PendingDraws, m.OpenPoolSize, m.RevealLatency,
		m.PeerVerdicts, m.AnchorBroadcasts,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
