// Package metrics provides Prometheus metrics for Burrow.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "burrow"
)

// Metrics contains all Prometheus metrics for a relay or hidden process.
type Metrics struct {
	// Flow metrics
	FlowsActive prometheus.Gauge
	FlowsTotal  prometheus.Counter
	FlowErrors  *prometheus.CounterVec

	// Data transfer metrics, labeled by direction:
	// "to_tunnel" for bytes encrypted onto the tunnel,
	// "from_tunnel" for bytes decrypted off it.
	BytesRelayed *prometheus.CounterVec

	// Control session metrics
	ControlRecordsSent     prometheus.Counter
	ControlRecordsReceived prometheus.Counter
	HandshakeErrors        prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of currently active tunneled flows",
		}),
		FlowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Total number of flows started",
		}),
		FlowErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_errors_total",
			Help:      "Total flow failures by reason",
		}, []string{"reason"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),

		ControlRecordsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_records_sent_total",
			Help:      "Total control records written to the control session",
		}),
		ControlRecordsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_records_received_total",
			Help:      "Total control records read from the control session",
		}),
		HandshakeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total control-session handshake failures",
		}),
	}
}

// Handler returns an HTTP handler exposing the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the default registry on addr. It blocks, so run it in its
// own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
