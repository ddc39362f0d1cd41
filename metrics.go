package touchfish

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a received line is not relayed.
const (
	dropInvalidUTF8 = "invalid_utf8"
	dropRateLimited = "rate_limited"
)

// Metrics collects relay counters. A nil *Metrics records nothing.
type Metrics struct {
	connected    prometheus.Gauge
	accepted     prometheus.Counter
	disconnected prometheus.Counter
	kicked       prometheus.Counter
	received     prometheus.Counter
	relayed      prometheus.Counter
	dropped      *prometheus.CounterVec
	sent         *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of registered clients.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted and registered.",
		}),
		disconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Clients that went offline.",
		}),
		kicked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicks_total",
			Help:      "Clients removed by a kick.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_received_total",
			Help:      "Complete lines read from clients.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_relayed_total",
			Help:      "Lines broadcast to the room.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_dropped_total",
			Help:      "Received lines that were discarded.",
		}, []string{"reason"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Per-client send attempts by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.connected, m.accepted, m.disconnected, m.kicked, m.received, m.relayed, m.dropped, m.sent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setConnected(n int) {
	if m != nil {
		m.connected.Set(float64(n))
	}
}

func (m *Metrics) incAccepted() {
	if m != nil {
		m.accepted.Inc()
	}
}

func (m *Metrics) incDisconnected() {
	if m != nil {
		m.disconnected.Inc()
	}
}

func (m *Metrics) incKicked() {
	if m != nil {
		m.kicked.Inc()
	}
}

func (m *Metrics) incReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) incRelayed() {
	if m != nil {
		m.relayed.Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incSent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sent.WithLabelValues("error").Inc()
		return
	}
	m.sent.WithLabelValues("ok").Inc()
}
