package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.PacketsSent == nil || m.Retransmits == nil || m.ConnectionState == nil {
		t.Error("expected metrics to be initialized")
	}
}

func TestRecordPacketSentReceived(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPacketSent("DATA", 100)
	m.RecordPacketSent("DATA", 50)
	m.RecordPacketSent("ACK", 30)
	m.RecordPacketReceived("ACK", 30)

	if got := testutil.ToFloat64(m.PacketsSent.WithLabelValues("DATA")); got != 2 {
		t.Errorf("PacketsSent{DATA} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 180 {
		t.Errorf("BytesSent = %v, want 180", got)
	}
	if got := testutil.ToFloat64(m.PacketsReceived.WithLabelValues("ACK")); got != 1 {
		t.Errorf("PacketsReceived{ACK} = %v, want 1", got)
	}
}

func TestReliabilityCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRetransmit()
	m.RecordRetransmit()
	m.RecordLost()
	m.RecordDuplicate()
	m.RecordBackpressure()
	m.SetUnacked(42)

	if got := testutil.ToFloat64(m.Retransmits); got != 2 {
		t.Errorf("Retransmits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PacketsLost); got != 1 {
		t.Errorf("PacketsLost = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Duplicates); got != 1 {
		t.Errorf("Duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackpressureTotal); got != 1 {
		t.Errorf("BackpressureTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UnackedPackets); got != 42 {
		t.Errorf("UnackedPackets = %v, want 42", got)
	}
}

func TestSetConnectionState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	all := []string{"CONNECTING", "CONNECTED", "DEGRADED"}

	m.SetConnectionState("CONNECTING", all)
	m.SetConnectionState("CONNECTED", all)

	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("CONNECTED")); got != 1 {
		t.Errorf("state CONNECTED = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("CONNECTING")); got != 0 {
		t.Errorf("state CONNECTING = %v, want 0", got)
	}
}

func TestSessionAndAssociationGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOpen()
	m.RecordSessionOpen()
	m.RecordSessionClose()
	m.RecordAssociationOpen()
	m.RecordSessionRejected("max_sessions")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsRejected.WithLabelValues("max_sessions")); got != 1 {
		t.Errorf("SessionsRejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Associations); got != 1 {
		t.Errorf("Associations = %v, want 1", got)
	}
}

func TestRecordReconnectAndDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReconnect("failure")
	m.RecordReconnect("success")
	m.RecordDropped("rate_limited")
	m.RecordHeartbeatRTT(0.02)
	m.RecordHeartbeatMiss()

	if got := testutil.ToFloat64(m.Reconnects.WithLabelValues("failure")); got != 1 {
		t.Errorf("Reconnects{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("DatagramsDropped{rate_limited} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.HeartbeatRTT); got != 1 {
		t.Errorf("HeartbeatRTT series = %d, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.RecordPacketSent("DATA", 1)
	m.RecordRetransmit()
	m.SetConnectionState("CLOSED", []string{"CLOSED"})
	m.RecordSessionOpen()
	m.RecordSessionRejected("x")
	m.RecordDropped("x")
}

func TestDefault_Singleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
}
