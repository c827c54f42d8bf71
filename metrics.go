package duplex

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports channel activity to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	sent     prometheus.Counter
	received prometheus.Counter
	faults   prometheus.Counter
	reclaims *prometheus.CounterVec
	open     prometheus.Gauge
}

// NewMetrics creates the channel collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "messages_sent_total",
			Help:      "Messages written to the transport.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "messages_received_total",
			Help:      "Messages returned by Receive.",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "faults_total",
			Help:      "Channels that moved to the faulted state.",
		}),
		reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "reclaims_total",
			Help:      "Connections handed back, by outcome.",
		}, []string{"outcome"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duplex",
			Name:      "channels_open",
			Help:      "Channels opened and not yet reclaimed.",
		}),
	}

	for _, c := range []prometheus.Collector{m.sent, m.received, m.faults, m.reclaims, m.open} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) messageReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) faulted() {
	if m != nil {
		m.faults.Inc()
	}
}

func (m *Metrics) reclaimed(abort bool) {
	if m == nil {
		return
	}
	outcome := "pooled"
	if abort {
		outcome = "discarded"
	}
	m.reclaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.open.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil {
		m.open.Dec()
	}
}
