package connection

import "github.com/prometheus/client_golang/prometheus"

// connMetrics tracks per-connection outcomes, the proxy-side analogue of
// ca/metrics.go's caMetrics: a small CounterVec set registered once at
// construction and incremented inline as connections progress.
type connMetrics struct {
	accepted    prometheus.Counter
	closed      *prometheus.CounterVec // labeled by final mode
	errors      *prometheus.CounterVec // labeled by berrors.ErrorType.String()
	bytesRelayed prometheus.Counter
}

// NewMetrics registers the connection subsystem's counters against stats.
func NewMetrics(stats prometheus.Registerer) *connMetrics {
	m := &connMetrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitm_connections_accepted_total",
			Help: "Total TCP connections accepted by the listener.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitm_connections_closed_total",
			Help: "Total connections closed, labeled by final mode.",
		}, []string{"mode"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitm_connection_errors_total",
			Help: "Total connection failures, labeled by error kind.",
		}, []string{"kind"}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitm_relay_bytes_total",
			Help: "Total bytes relayed across both tunnel directions.",
		}),
	}
	stats.MustRegister(m.accepted, m.closed, m.errors, m.bytesRelayed)
	return m
}
