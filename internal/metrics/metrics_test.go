package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewServerMetrics()
	m.RequestsTotal.WithLabelValues("ok").Inc()
	m.RequestDuration.WithLabelValues("ok").Observe(0.05)
	m.ActiveKiosks.Set(3)
	m.ConnectionsTotal.Inc()
	m.ConnectionRejected.WithLabelValues("already_connected").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"kioskbridge_server_requests_total",
		"kioskbridge_server_request_duration_seconds",
		"kioskbridge_server_active_kiosks",
		"kioskbridge_server_connections_total",
		"kioskbridge_server_connections_rejected_total",
	} {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}

func TestServerMetrics_ReportingHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewServerMetrics()
	m.ObserveRequest("ok", 10*time.Millisecond)
	m.ReportConnectionAccepted()
	m.ReportConnectionRejected("already_connected")
	m.SetActiveKiosks(1)
	m.SetActiveKiosks(-1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected gathered metric families, got none")
	}
}

func TestProxyMetrics_ReportingHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewProxyMetrics()
	m.ObserveGatewayDispatch("ok", 5*time.Millisecond)
	m.SetQueueSize(3)
	m.SetConnected(true)
	m.SetConnected(false)
	m.ReportReconnect()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected gathered metric families, got none")
	}
}

func TestNewProxyMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewProxyMetrics()
	m.GatewayRequestsTotal.WithLabelValues("ok").Inc()
	m.GatewayDuration.WithLabelValues("ok").Observe(0.02)
	m.ReconnectsTotal.Inc()
	m.WSConnected.Set(1)
	m.QueueSize.Set(2)
	m.QueueDroppedTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"kioskbridge_proxy_gateway_requests_total",
		"kioskbridge_proxy_gateway_duration_seconds",
		"kioskbridge_proxy_reconnects_total",
		"kioskbridge_proxy_ws_connected",
		"kioskbridge_proxy_offline_queue_size",
		"kioskbridge_proxy_offline_queue_dropped_total",
	} {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
