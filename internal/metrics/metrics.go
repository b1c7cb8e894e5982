// Package metrics provides Prometheus metrics for the TUIC client and server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tuic"

// Drop reasons for DroppedPackets, matching the failure modes the SOCKS5
// UDP association's ingress loop (internal/socks5/udp.go) can observe.
const (
	DropReasonFragmented     = "fragmented"
	DropReasonSourceMismatch = "source_mismatch"
	DropReasonDecodeError    = "decode_error"
)

// Metrics contains every Prometheus metric the client and server expose.
type Metrics struct {
	// SOCKS5 acceptor (C1)
	SOCKS5ConnectionsActive prometheus.Gauge
	SOCKS5ConnectionsTotal  prometheus.Counter

	// TCP relay task (C2)
	ConnectLatency prometheus.Histogram
	ConnectErrors  *prometheus.CounterVec

	// UDP association manager (C3)
	UDPAssociationsActive prometheus.Gauge
	UDPDatagramsSent      prometheus.Counter
	UDPDatagramsReceived  prometheus.Counter
	DroppedPackets        *prometheus.CounterVec

	// Server auth latch (C6)
	AuthWaitDuration prometheus.Histogram
	AuthFailures     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance against a custom
// registry, letting tests use a fresh prometheus.NewRegistry() instead of
// polluting the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SOCKS5ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of currently open SOCKS5 client connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total number of SOCKS5 client connections accepted",
		}),

		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Time from a CONNECT request to the transport driver's reply",
			Buckets:   prometheus.DefBuckets,
		}),
		ConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "CONNECT failures by SOCKS5 reply code",
		}, []string{"reply"}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of currently open UDP ASSOCIATE sessions",
		}),
		UDPDatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_sent_total",
			Help:      "Total UDP datagrams relayed client -> transport",
		}),
		UDPDatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_received_total",
			Help:      "Total UDP datagrams relayed transport -> client",
		}),
		DroppedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_packets_total",
			Help:      "Datagrams dropped by the UDP association manager, by reason",
		}, []string{"reason"}),

		AuthWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_wait_duration_seconds",
			Help:      "Time a Connect/Packet frame spent blocked on the auth latch",
			Buckets:   prometheus.DefBuckets,
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total AUTHENTICATE frames rejected for an unknown uuid or bad token",
		}),
	}
}

// RecordSOCKS5Connect records a newly accepted SOCKS5 client connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5ConnectionsActive.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 client connection closing.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5ConnectionsActive.Dec()
}

// RecordConnect records the outcome and latency of one CONNECT request.
// reply is the SOCKS5 reply code name on failure, or "" on success.
func (m *Metrics) RecordConnect(seconds float64, reply string) {
	m.ConnectLatency.Observe(seconds)
	if reply != "" {
		m.ConnectErrors.WithLabelValues(reply).Inc()
	}
}

// RecordAssociationOpen records a newly established UDP ASSOCIATE session.
func (m *Metrics) RecordAssociationOpen() {
	m.UDPAssociationsActive.Inc()
}

// RecordAssociationClose records a UDP ASSOCIATE session tearing down.
func (m *Metrics) RecordAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// RecordDatagramSent records one UDP datagram relayed client -> transport.
func (m *Metrics) RecordDatagramSent() {
	m.UDPDatagramsSent.Inc()
}

// RecordDatagramReceived records one UDP datagram relayed transport -> client.
func (m *Metrics) RecordDatagramReceived() {
	m.UDPDatagramsReceived.Inc()
}

// RecordDroppedPacket records a datagram the UDP association manager
// refused to relay, e.g. DropReasonSourceMismatch for a spoofed peer.
func (m *Metrics) RecordDroppedPacket(reason string) {
	m.DroppedPackets.WithLabelValues(reason).Inc()
}

// RecordAuthWait records how long a Connect/Packet frame blocked on the
// server auth latch before proceeding.
func (m *Metrics) RecordAuthWait(seconds float64) {
	m.AuthWaitDuration.Observe(seconds)
}

// RecordAuthFailure records an AUTHENTICATE frame rejected for an unknown
// uuid or a token that failed to verify.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}
