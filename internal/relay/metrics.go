package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the relay loop does with each datagram.
type Metrics struct {
	received       prometheus.Counter
	forwarded      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	transmitErrors *prometheus.CounterVec
}

// NewMetrics creates the relay counters and registers them with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_relay_received_total",
			Help: "Datagrams received on the relay port.",
		}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_relay_forwarded_total",
			Help: "Packets transmitted, by outgoing attachment.",
		}, []string{"out"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_relay_dropped_total",
			Help: "Datagrams not forwarded, by reason.",
		}, []string{"reason"}),
		transmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_relay_transmit_errors_total",
			Help: "Raw transmissions that failed, by outgoing attachment.",
		}, []string{"out"}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.forwarded, m.dropped, m.transmitErrors)
	}
	return m
}

func (m *Metrics) incReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) incForwarded(out Side) {
	if m != nil {
		m.forwarded.WithLabelValues(out.String()).Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incTransmitError(out Side) {
	if m != nil {
		m.transmitErrors.WithLabelValues(out.String()).Inc()
	}
}
