package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nathanodle/claude-telepresence/lib/wire"
)

// Metrics holds the relay's Prometheus collectors (C11, SPEC_FULL.md §4.11).
// Registered against a private registry rather than prometheus.DefaultRegisterer
// so more than one relay instance can coexist in a single test binary.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	BytesInFlight   prometheus.Gauge
	StreamsOpen     prometheus.Gauge
	WindowStalls    prometheus.Counter
}

// NewMetrics builds and registers a fresh collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telepresence_packets_sent_total",
			Help: "Packets sent to the remote client, by wire type.",
		}, []string{"type"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telepresence_packets_received_total",
			Help: "Packets received from the remote client, by wire type.",
		}, []string{"type"}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telepresence_bytes_in_flight",
			Help: "Outbound DATA/TERM_OUTPUT bytes sent but not yet acked via WINDOW_UPDATE.",
		}),
		StreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telepresence_streams_open",
			Help: "Streams currently awaiting completion.",
		}),
		WindowStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telepresence_window_stalls_total",
			Help: "Times a sender blocked waiting for outbound window credit.",
		}),
	}
	reg.MustRegister(m.PacketsSent, m.PacketsReceived, m.BytesInFlight, m.StreamsOpen, m.WindowStalls)
	return m
}

func (m *Metrics) observeSent(t wire.Type) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeReceived(t wire.Type) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) setBytesInFlight(n int) {
	if m == nil {
		return
	}
	m.BytesInFlight.Set(float64(n))
}

func (m *Metrics) incWindowStall() {
	if m == nil {
		return
	}
	m.WindowStalls.Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpen.Inc()
}

func (m *Metrics) streamClosed() {
	if m == nil {
		return
	}
	m.StreamsOpen.Dec()
}
