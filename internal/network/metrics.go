package network

import "github.com/prometheus/client_golang/prometheus"

// Message outcomes used as the result label.
const (
	resultStored    = "stored"
	resultStale     = "stale"
	resultDuplicate = "duplicate"
	resultLimited   = "limited"
	resultRejected  = "rejected"
)

// metrics holds the exchange's prometheus collectors.
type metrics struct {
	messages *prometheus.CounterVec // messages counts inbound messages by result
	peers    prometheus.Gauge       // peers is the number of connected peers
}

// newMetrics creates the collectors and registers them when reg is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshpath",
			Name:      "messages_total",
			Help:      "Inbound messages by processing result.",
		}, []string{"result"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshpath",
			Name:      "peers_connected",
			Help:      "Number of connected QUIC peers.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.messages, m.peers)
	}

	return m
}
