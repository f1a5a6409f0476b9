package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay's Prometheus instruments. Each Server owns its own
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Sessions        prometheus.Gauge
	ActiveCalls     prometheus.Gauge
	Envelopes       *prometheus.CounterVec
	DroppedFrames   prometheus.Counter
	Evictions       *prometheus.CounterVec
	CallEvents      *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	RejectedAccepts prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of open client TCP connections.",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_sessions",
			Help:      "Number of users with a registered session.",
		}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Call attempts that are ringing or accepted.",
		}),
		Envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Envelopes by direction and type.",
		}, []string{"direction", "type"}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Sessions evicted by the heartbeat supervisor, by cause.",
		}, []string{"cause"}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call signaling events by type.",
		}, []string{"event"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations by operation.",
		}, []string{"op"}),
		RejectedAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections closed because max_connections was reached.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
