// Package metrics exposes reconciliation relay counters on a private
// prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TxStaged           prometheus.Counter
	TxFlooded          prometheus.Counter
	RoundsStarted      prometheus.Counter
	RoundsSucceeded    prometheus.Counter
	RoundsFailed       prometheus.Counter
	SketchesSent       prometheus.Counter
	ExtensionsSent     prometheus.Counter
	ProtocolViolations prometheus.Counter
	RegisteredPeers    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "erlaynet",
			Name:      name,
			Help:      help,
		})
		m.registry.MustRegister(c)
		return c
	}
	m.TxStaged = counter("tx_staged_total", "Transactions staged for reconciliation.")
	m.TxFlooded = counter("tx_flooded_total", "Transactions announced via low-fanout flooding.")
	m.RoundsStarted = counter("recon_rounds_started_total", "Reconciliation rounds initiated.")
	m.RoundsSucceeded = counter("recon_rounds_succeeded_total", "Reconciliation rounds that decoded the difference.")
	m.RoundsFailed = counter("recon_rounds_failed_total", "Reconciliation rounds that fell back to full announcement.")
	m.SketchesSent = counter("sketches_sent_total", "Sketches sent as responder.")
	m.ExtensionsSent = counter("sketch_extensions_sent_total", "Extension sketches sent after a failed decode.")
	m.ProtocolViolations = counter("protocol_violations_total", "Handshake or round messages that violated the protocol.")

	m.RegisteredPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "erlaynet",
		Name:      "registered_peers",
		Help:      "Peers registered for reconciliation.",
	})
	m.registry.MustRegister(m.RegisteredPeers)
	return m
}

// Handler serves the registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
