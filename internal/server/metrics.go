package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks routing statistics. Each instance owns its own registry so
// several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	submitted       prometheus.Counter
	rejected        *prometheus.CounterVec
	persisted       prometheus.Counter
	persistFailures prometheus.Counter
	dispatchErrors  prometheus.Counter
	delivered       prometheus.Counter
	skipped         *prometheus.CounterVec
	connections     prometheus.Gauge
	handshakes      *prometheus.CounterVec
}

// Label values.
const (
	reasonQueueFull   = "queue_full"
	reasonRateLimited = "rate_limited"
	reasonStopped     = "stopped"
	reasonOffline     = "offline"
	reasonUnavailable = "unavailable"

	resultOK              = "ok"
	resultUnauthenticated = "unauthenticated"
	resultProtocol        = "protocol_violation"
)

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_submitted_total",
			Help: "Messages accepted into the dispatcher queue.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_rejected_total",
			Help: "Submissions refused before reaching the dispatcher queue.",
		}, []string{"reason"}),
		persisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_persisted_total",
			Help: "Messages durably stored by the dispatcher.",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_persist_failures_total",
			Help: "Messages dropped because storing them failed.",
		}),
		dispatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_dispatch_errors_total",
			Help: "Stored messages whose fan-out could not be completed.",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Envelopes enqueued onto a recipient connection.",
		}),
		skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_deliveries_skipped_total",
			Help: "Recipients that missed a live push.",
		}, []string{"reason"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Connections currently bound to a user.",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_handshakes_total",
			Help: "Tunnel authentication handshakes by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
