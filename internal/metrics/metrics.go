// Package metrics provides Prometheus metrics for sudp.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sudp"
)

// Metrics contains all Prometheus metrics for an instance.
//
// All Record methods are safe to call on a nil *Metrics, so components can
// run without metrics wired in.
type Metrics struct {
	// Packet metrics
	PacketsSent       *prometheus.CounterVec
	PacketsReceived   *prometheus.CounterVec
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	PacketsMalformed  *prometheus.CounterVec
	Retransmits       prometheus.Counter
	PacketsLost       prometheus.Counter
	Duplicates        prometheus.Counter
	BackpressureTotal prometheus.Counter
	UnackedPackets    prometheus.Gauge

	// Connection metrics
	ConnectionState *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec
	HeartbeatRTT    prometheus.Histogram
	HeartbeatMisses prometheus.Counter

	// Tunnel metrics
	SessionsActive    prometheus.Gauge
	SessionsRejected  *prometheus.CounterVec
	Associations      prometheus.Gauge
	DatagramsDropped  *prometheus.CounterVec
	DatagramsIngress  prometheus.Counter
	DatagramsDelivery prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets written to the tunnel by flag",
		}, []string{"flag"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets decoded from the tunnel by flag",
		}, []string{"flag"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total encoded bytes written to the tunnel",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total encoded bytes read from the tunnel",
		}),
		PacketsMalformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_malformed_total",
			Help:      "Total inbound frames rejected by the codec by reason",
		}, []string{"reason"}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total DATA packets retransmitted",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Total DATA packets abandoned after exhausting retries",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total duplicate DATA packets suppressed",
		}),
		BackpressureTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_total",
			Help:      "Total sends rejected because the unacked buffer was full",
		}),
		UnackedPackets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unacked_packets",
			Help:      "DATA packets currently awaiting acknowledgment",
		}),

		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for all others",
		}, []string{"state"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts by result",
		}, []string{"result"}),
		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Histogram of heartbeat round trip times",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HeartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_misses_total",
			Help:      "Total heartbeat intervals that ended without a reply",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Tunnel sessions currently attached to the server",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total tunnel connections refused by the server by reason",
		}, []string{"reason"}),
		Associations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "UDP associations currently open towards forward targets",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total local datagrams dropped by reason",
		}, []string{"reason"}),
		DatagramsIngress: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_ingress_total",
			Help:      "Total datagrams accepted from local UDP sockets",
		}),
		DatagramsDelivery: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_delivered_total",
			Help:      "Total datagrams delivered to local UDP endpoints",
		}),
	}
}

// RecordPacketSent records an outbound packet and its encoded size.
func (m *Metrics) RecordPacketSent(flag string, size int) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(flag).Inc()
	m.BytesSent.Add(float64(size))
}

// RecordPacketReceived records an inbound packet and its encoded size.
func (m *Metrics) RecordPacketReceived(flag string, size int) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(flag).Inc()
	m.BytesReceived.Add(float64(size))
}

// RecordMalformed records a frame the codec rejected.
func (m *Metrics) RecordMalformed(reason string) {
	if m == nil {
		return
	}
	m.PacketsMalformed.WithLabelValues(reason).Inc()
}

// RecordRetransmit records one retransmission.
func (m *Metrics) RecordRetransmit() {
	if m == nil {
		return
	}
	m.Retransmits.Inc()
}

// RecordLost records a packet abandoned after its retry budget.
func (m *Metrics) RecordLost() {
	if m == nil {
		return
	}
	m.PacketsLost.Inc()
}

// RecordDuplicate records a suppressed duplicate.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// RecordBackpressure records a send rejected by a full buffer.
func (m *Metrics) RecordBackpressure() {
	if m == nil {
		return
	}
	m.BackpressureTotal.Inc()
}

// SetUnacked sets the unacked gauge.
func (m *Metrics) SetUnacked(n int) {
	if m == nil {
		return
	}
	m.UnackedPackets.Set(float64(n))
}

// SetConnectionState marks state as current and clears the others.
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect records a reconnect attempt with result "success" or "failure".
func (m *Metrics) RecordReconnect(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

// RecordHeartbeatRTT records a heartbeat round trip.
func (m *Metrics) RecordHeartbeatRTT(seconds float64) {
	if m == nil {
		return
	}
	m.HeartbeatRTT.Observe(seconds)
}

// RecordHeartbeatMiss records a heartbeat interval without a reply.
func (m *Metrics) RecordHeartbeatMiss() {
	if m == nil {
		return
	}
	m.HeartbeatMisses.Inc()
}

// RecordSessionOpen increments the active session gauge.
func (m *Metrics) RecordSessionOpen() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionClose decrements the active session gauge.
func (m *Metrics) RecordSessionClose() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordSessionRejected records a tunnel connection the server refused.
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordAssociationOpen increments the association gauge.
func (m *Metrics) RecordAssociationOpen() {
	if m == nil {
		return
	}
	m.Associations.Inc()
}

// RecordAssociationClose decrements the association gauge.
func (m *Metrics) RecordAssociationClose() {
	if m == nil {
		return
	}
	m.Associations.Dec()
}

// RecordDropped records a local datagram dropped for reason.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordIngress records a datagram accepted from a local socket.
func (m *Metrics) RecordIngress() {
	if m == nil {
		return
	}
	m.DatagramsIngress.Inc()
}

// RecordDelivery records a datagram written to a local endpoint.
func (m *Metrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.DatagramsDelivery.Inc()
}
