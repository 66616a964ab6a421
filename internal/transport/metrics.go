package transport

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the transport's prometheus collectors.
type metrics struct {
	sent      prometheus.Counter // sent counts datagrams written
	received  prometheus.Counter // received counts datagrams read
	malformed prometheus.Counter // malformed counts datagrams shorter than a header
	delivered prometheus.Counter // delivered counts complete packets handed up
}

// newMetrics creates the collectors and registers them when reg is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshpath",
			Subsystem: "udp",
			Name:      name,
			Help:      help,
		})
	}

	m := &metrics{
		sent:      counter("datagrams_sent_total", "Datagrams written."),
		received:  counter("datagrams_received_total", "Datagrams read."),
		malformed: counter("datagrams_malformed_total", "Datagrams too short to carry a header."),
		delivered: counter("packets_delivered_total", "Reassembled packets delivered."),
	}

	if reg != nil {
		reg.MustRegister(m.sent, m.received, m.malformed, m.delivered)
	}

	return m
}
