// Package metrics exposes engine counters in Prometheus format. Every method
// is safe to call on a nil *Metrics, so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	quotes        *prometheus.CounterVec
	feedReconnect *prometheus.CounterVec
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	opportunities *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	intents       *prometheus.CounterVec
	submitLatency *prometheus.HistogramVec
	fills         *prometheus.CounterVec
	unwinds       prometheus.Counter
	openIntents   prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simplearb_quotes_total",
			Help: "Quotes received per venue, by whether the cache accepted them.",
		}, []string{"venue", "accepted"}),
		feedReconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simplearb_feed_reconnects_total",
			Help: "Feed reconnect attempts per venue.",
		}, []string{"venue"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simplearb_cycles_total",
			Help: "Completed evaluation cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simplearb_cycle_duration_seconds",
			Help:    "Wall time of one evaluate-decide-dispatch cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simplearb_opportunities_total",
			Help: "Opportunities emitted by the evaluator.",
		}, []string{"instrument"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simplearb_rejections_total",
			Help: "Opportunities rejected by the gate, by reason.",
		}, []string{"reason"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simplearb_intents_total",
			Help: "Order intents reaching a terminal state.",
		}, []string{"venue", "state"}),
		submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simplearb_submit_latency_seconds",
			Help:    "Time from submission to venue acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"venue"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simplearb_fills_total",
			Help: "Fills applied to the ledger.",
		}, []string{"venue"}),
		unwinds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simplearb_unwinds_total",
			Help: "Unwind orders issued after asymmetric fills.",
		}),
		openIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simplearb_open_intents",
			Help: "Intents not yet in a terminal state.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.quotes, m.feedReconnect, m.cycles, m.cycleDuration, m.opportunities,
		m.rejections, m.intents, m.submitLatency, m.fills, m.unwinds, m.openIntents,
	)
	return m
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) QuoteReceived(venue string, accepted bool) {
	if m == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	m.quotes.WithLabelValues(venue, label).Inc()
}

func (m *Metrics) FeedReconnect(venue string) {
	if m == nil {
		return
	}
	m.feedReconnect.WithLabelValues(venue).Inc()
}

func (m *Metrics) CycleDone(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) Opportunity(instrument string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(instrument).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IntentTerminal(venue, state string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(venue, state).Inc()
}

func (m *Metrics) SubmitLatency(venue string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(venue).Observe(d.Seconds())
}

func (m *Metrics) FillApplied(venue string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(venue).Inc()
}

func (m *Metrics) Unwind() {
	if m == nil {
		return
	}
	m.unwinds.Inc()
}

func (m *Metrics) SetOpenIntents(n int) {
	if m == nil {
		return
	}
	m.openIntents.Set(float64(n))
}
