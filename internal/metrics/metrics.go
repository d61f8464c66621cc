// Package metrics exposes voice signaling counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Peer connection metrics
	PeerTransition(state string)
	PeerOpened()
	PeerClosed(reason string)

	// Signaling metrics
	SignalSent(kind string)
	SignalFailed(kind string)
	StaleSignal(kind, reason string)
	CandidateBuffered()

	// Room and store metrics
	RoomValidated(result string)
	WatchOpened()
	WatchClosed()
	ClientKicked(reason string)

	// HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements Collector on a private registry, so several
// can coexist in one process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activePeers     prometheus.Gauge
	peerTransitions *prometheus.CounterVec
	peerCloses      *prometheus.CounterVec
	signalsSent     *prometheus.CounterVec
	signalFailures  *prometheus.CounterVec
	staleSignals    *prometheus.CounterVec
	bufferedICE     prometheus.Counter
	roomValidations *prometheus.CounterVec
	activeWatches   prometheus.Gauge
	clientsKicked   *prometheus.CounterVec
}

func New() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusCollector{
		registry: reg,
		activePeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_active_peers",
			Help: "Peer connections currently open",
		}),
		peerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_peer_transitions_total",
			Help: "Negotiation state transitions by target state",
		}, []string{"state"}),
		peerCloses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_peer_closes_total",
			Help: "Peer connections closed by reason",
		}, []string{"reason"}),
		signalsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_signals_sent_total",
			Help: "Signals published by kind",
		}, []string{"kind"}),
		signalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_signal_failures_total",
			Help: "Signals that failed to publish by kind",
		}, []string{"kind"}),
		staleSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_stale_signals_total",
			Help: "Ignored signals by kind and reason",
		}, []string{"kind", "reason"}),
		bufferedICE: f.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_buffered_candidates_total",
			Help: "Remote ICE candidates held until a remote description was set",
		}),
		roomValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_room_validations_total",
			Help: "Room validations by result",
		}, []string{"result"}),
		activeWatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_store_active_watches",
			Help: "Live document store watches served",
		}),
		clientsKicked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_store_clients_kicked_total",
			Help: "Store clients disconnected by policy",
		}, []string{"reason"}),
	}
}

func (c *PrometheusCollector) PeerTransition(state string) {
	c.peerTransitions.WithLabelValues(state).Inc()
}

func (c *PrometheusCollector) PeerOpened() { c.activePeers.Inc() }

func (c *PrometheusCollector) PeerClosed(reason string) {
	c.activePeers.Dec()
	c.peerCloses.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) SignalSent(kind string) { c.signalsSent.WithLabelValues(kind).Inc() }

func (c *PrometheusCollector) SignalFailed(kind string) { c.signalFailures.WithLabelValues(kind).Inc() }

func (c *PrometheusCollector) StaleSignal(kind, reason string) {
	c.staleSignals.WithLabelValues(kind, reason).Inc()
}

func (c *PrometheusCollector) CandidateBuffered() { c.bufferedICE.Inc() }

func (c *PrometheusCollector) RoomValidated(result string) {
	c.roomValidations.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) WatchOpened() { c.activeWatches.Inc() }

func (c *PrometheusCollector) WatchClosed() { c.activeWatches.Dec() }

func (c *PrometheusCollector) ClientKicked(reason string) {
	c.clientsKicked.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
