package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Flush item results, used as the result label.
const (
	ResultSent         = "sent"
	ResultFailed       = "failed"
	ResultDeadLettered = "dead_lettered"
)

// Metrics holds the offsync Prometheus collectors.
type Metrics struct {
	FlushItems   *prometheus.CounterVec
	Flushes      prometheus.Counter
	QueuePending prometheus.Gauge
	DeadLetters  prometheus.Gauge
	Online       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them with reg. If reg is
// also a Gatherer (a *prometheus.Registry is) it backs /metrics; otherwise
// the default gatherer does.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlushItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_flush_items_total",
			Help: "Queue items processed by flushes, by result.",
		}, []string{"result"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsync_flushes_total",
			Help: "Completed flush passes.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_queue_pending",
			Help: "Requests waiting in the outbox.",
		}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_dead_letters",
			Help: "Requests parked after exhausting their retries.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_online",
			Help: "1 when the API is reachable.",
		}),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(m.FlushItems, m.Flushes, m.QueuePending, m.DeadLetters, m.Online)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Gatherer returns what /metrics exposes.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
