// Package metrics provides the Prometheus counters exposed by the relay,
// gateway, and client processes. Everything here is non-content by
// construction: error classes, connection counts, byte totals, and
// durations, never methods, params, or payload bytes. That constraint is
// what lets the processes be observable without weakening the tunnel's
// unlinkability goal.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "penum"

// Metrics contains all Prometheus metrics for a penum process.
type Metrics struct {
	// Tunnel exchange metrics (client and gateway).
	ExchangesTotal   prometheus.Counter
	ExchangeErrors   *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	PacketsSent      prometheus.Counter
	PacketsReceived  prometheus.Counter

	// Gateway metrics.
	GuardRejections prometheus.Counter
	UpstreamCalls   *prometheus.CounterVec

	// Relay metrics.
	RelayConnections prometheus.Gauge
	RelayAccepts     prometheus.Counter
	RelayDialErrors  prometheus.Counter
	RelayBytes       prometheus.Counter

	// Wallet-facing listener metrics.
	ListenerRequests *prometheus.CounterVec

	// Handler panics recovered.
	PanicsRecovered prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ExchangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total tunnel request/response exchanges started",
		}),
		ExchangeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_errors_total",
			Help:      "Total failed tunnel exchanges by error class",
		}, []string{"class"}),
		ExchangeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Wall time of complete tunnel exchanges",
			Buckets:   prometheus.DefBuckets,
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total 1024-byte packets written",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total 1024-byte packets read",
		}),
		GuardRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Total requests dropped by the transaction privacy guard",
		}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Total upstream forwards by route and outcome",
		}, []string{"route", "outcome"}),
		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Connections currently being relayed",
		}),
		RelayAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_accepts_total",
			Help:      "Total inbound connections accepted by the relay",
		}),
		RelayDialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dial_errors_total",
			Help:      "Total failed dials to the next hop",
		}),
		RelayBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total bytes copied through the relay, both directions",
		}),
		ListenerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_requests_total",
			Help:      "Total wallet-facing HTTP requests by outcome",
		}, []string{"outcome"}),
		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered in connection handlers",
		}),
	}
}
