package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SOCKS5ConnectionsActive == nil {
		t.Error("SOCKS5ConnectionsActive metric is nil")
	}
	if m.ConnectLatency == nil {
		t.Error("ConnectLatency metric is nil")
	}
	if m.UDPAssociationsActive == nil {
		t.Error("UDPAssociationsActive metric is nil")
	}
}

func TestRecordSOCKS5ConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSOCKS5Connect()
	m.RecordSOCKS5Connect()
	m.RecordSOCKS5Connect()
	m.RecordSOCKS5Disconnect()

	active := testutil.ToFloat64(m.SOCKS5ConnectionsActive)
	if active != 2 {
		t.Errorf("SOCKS5ConnectionsActive = %v, want 2", active)
	}

	total := testutil.ToFloat64(m.SOCKS5ConnectionsTotal)
	if total != 3 {
		t.Errorf("SOCKS5ConnectionsTotal = %v, want 3", total)
	}
}

func TestRecordConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect(0.05, "")
	m.RecordConnect(0.2, "host_unreachable")
	m.RecordConnect(0.1, "host_unreachable")

	errs := testutil.ToFloat64(m.ConnectErrors.WithLabelValues("host_unreachable"))
	if errs != 2 {
		t.Errorf("ConnectErrors[host_unreachable] = %v, want 2", errs)
	}
}

func TestRecordAssociationOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAssociationOpen()
	m.RecordAssociationOpen()
	m.RecordAssociationClose()

	active := testutil.ToFloat64(m.UDPAssociationsActive)
	if active != 1 {
		t.Errorf("UDPAssociationsActive = %v, want 1", active)
	}
}

func TestRecordDatagrams(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDatagramSent()
	m.RecordDatagramSent()
	m.RecordDatagramReceived()

	sent := testutil.ToFloat64(m.UDPDatagramsSent)
	if sent != 2 {
		t.Errorf("UDPDatagramsSent = %v, want 2", sent)
	}
	recv := testutil.ToFloat64(m.UDPDatagramsReceived)
	if recv != 1 {
		t.Errorf("UDPDatagramsReceived = %v, want 1", recv)
	}
}

func TestRecordDroppedPacket(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDroppedPacket(DropReasonFragmented)
	m.RecordDroppedPacket(DropReasonSourceMismatch)
	m.RecordDroppedPacket(DropReasonFragmented)

	frag := testutil.ToFloat64(m.DroppedPackets.WithLabelValues(DropReasonFragmented))
	if frag != 2 {
		t.Errorf("DroppedPackets[fragmented] = %v, want 2", frag)
	}
	mismatch := testutil.ToFloat64(m.DroppedPackets.WithLabelValues(DropReasonSourceMismatch))
	if mismatch != 1 {
		t.Errorf("DroppedPackets[source_mismatch] = %v, want 1", mismatch)
	}
}

func TestRecordAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthWait(0.01)
	m.RecordAuthWait(0.02)
	m.RecordAuthFailure()

	failures := testutil.ToFloat64(m.AuthFailures)
	if failures != 1 {
		t.Errorf("AuthFailures = %v, want 1", failures)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
