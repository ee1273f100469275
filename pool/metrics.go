package pool

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus instruments a Pool updates as connections
// move through it. They are created with NewGauge/NewCounter rather
// than promauto so callers control registration (and so multiple Pools
// in one process don't collide on the default registry).
type Metrics struct {
	open         prometheus.Gauge
	idle         prometheus.Gauge
	borrowed     prometheus.Counter
	evicted      prometheus.Counter
	dialFailures prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mssql", Subsystem: "pool", Name: "open_connections",
			Help: "Number of connections currently open (idle + on loan).",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mssql", Subsystem: "pool", Name: "idle_connections",
			Help: "Number of connections currently idle in the pool.",
		}),
		borrowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mssql", Subsystem: "pool", Name: "borrowed_total",
			Help: "Total number of successful Acquire calls.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mssql", Subsystem: "pool", Name: "evicted_total",
			Help: "Total number of connections discarded (expired, failed health check, or broken).",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mssql", Subsystem: "pool", Name: "dial_failures_total",
			Help: "Total number of failed dial attempts while growing the pool.",
		}),
	}
}

// Collectors returns every metric so a caller can register them with
// their own prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.open, m.idle, m.borrowed, m.evicted, m.dialFailures}
}
