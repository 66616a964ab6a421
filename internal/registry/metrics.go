package registry

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the registry's prometheus collectors.
type metrics struct {
	active     prometheus.Gauge   // active is the number of live paths
	created    prometheus.Counter // created counts paths ever created
	dead       prometheus.Counter // dead counts paths dropped as dead
	keepalives prometheus.Counter // keepalives counts keepalive requests
}

// newMetrics creates the collectors and registers them when reg is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshpath",
			Name:      "paths_active",
			Help:      "Number of paths currently tracked.",
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshpath",
			Name:      "paths_created_total",
			Help:      "Paths created since start.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshpath",
			Name:      "paths_dead_total",
			Help:      "Paths removed after expiring.",
		}),
		keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshpath",
			Name:      "keepalives_total",
			Help:      "Keepalives requested by path service.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.active, m.created, m.dead, m.keepalives)
	}

	return m
}
