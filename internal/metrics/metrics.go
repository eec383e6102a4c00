// Package metrics provides Prometheus instrumentation for socks4ad,
// following the promauto-registered Gauge/Counter/Histogram pattern used
// throughout the muti-metroo tunnel agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks4ad"

// Metrics holds every counter/gauge/histogram the proxy emits.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	HandshakeErrors *prometheus.CounterVec
	DialErrors      *prometheus.CounterVec

	ResolveLatency prometheus.Histogram
	ResolveErrors  prometheus.Counter

	BytesTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// the default Prometheus registry.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New builds a Metrics instance registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of SOCKS4/4A sessions currently open.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that completed the handshake.",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by reason.",
		}, []string{"reason"}),
		DialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total outbound dial failures by request variant.",
		}, []string{"variant"}),
		ResolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_latency_seconds",
			Help:      "SOCKS4A hostname resolution latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ResolveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_errors_total",
			Help:      "Total SOCKS4A hostname resolution failures.",
		}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes relayed, by direction.",
		}, []string{"direction"}),
	}
}
