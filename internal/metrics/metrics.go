// Package metrics holds the Prometheus metric sets for the Server and
// Proxy binaries, following the teacher's promauto registration style
// (internal/metrics/metrics.go) with the chat-bridge metric names
// replaced by the kiosk tunnel's request/connection/queue metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics holds the Cloud Server's Prometheus metrics.
type ServerMetrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveKiosks       prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionRejected *prometheus.CounterVec
}

// NewServerMetrics creates and registers the Server's metrics.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskbridge_server_requests_total",
			Help: "Total /send requests handled, by outcome",
		}, []string{"outcome"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioskbridge_server_request_duration_seconds",
			Help:    "End-to-end /send request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ActiveKiosks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kioskbridge_server_active_kiosks",
			Help: "Kiosks with a live WebSocket connection",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kioskbridge_server_connections_total",
			Help: "Total kiosk WebSocket connections accepted",
		}),
		ConnectionRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskbridge_server_connections_rejected_total",
			Help: "Total rejected kiosk connection attempts, by reason",
		}, []string{"reason"}),
	}
}

// ObserveRequest records one /send outcome, satisfying router.Metrics.
func (m *ServerMetrics) ObserveRequest(outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ReportConnectionAccepted records one accepted kiosk WebSocket
// connection, satisfying wsendpoint.Metrics.
func (m *ServerMetrics) ReportConnectionAccepted() {
	m.ConnectionsTotal.Inc()
}

// ReportConnectionRejected records one rejected handshake by reason,
// satisfying wsendpoint.Metrics.
func (m *ServerMetrics) ReportConnectionRejected(reason string) {
	m.ConnectionRejected.WithLabelValues(reason).Inc()
}

// SetActiveKiosks adjusts the live-connection gauge by delta, satisfying
// wsendpoint.Metrics.
func (m *ServerMetrics) SetActiveKiosks(delta float64) {
	m.ActiveKiosks.Add(delta)
}

// ObserveGatewayDispatch records one local-gateway dispatch outcome,
// satisfying messagepump.Metrics.
func (m *ProxyMetrics) ObserveGatewayDispatch(outcome string, duration time.Duration) {
	m.GatewayRequestsTotal.WithLabelValues(outcome).Inc()
	m.GatewayDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetQueueSize reports the current offline queue depth, satisfying
// messagepump.Metrics.
func (m *ProxyMetrics) SetQueueSize(size float64) {
	m.QueueSize.Set(size)
}

// SetConnected reports whether the tunnel to the cloud Server is
// currently up, satisfying proxysession.Metrics.
func (m *ProxyMetrics) SetConnected(connected bool) {
	if connected {
		m.WSConnected.Set(1)
	} else {
		m.WSConnected.Set(0)
	}
}

// ReportReconnect records one successful (re)connect to the cloud
// Server, satisfying proxysession.Metrics.
func (m *ProxyMetrics) ReportReconnect() {
	m.ReconnectsTotal.Inc()
}

// ProxyMetrics holds the kiosk Proxy's Prometheus metrics.
type ProxyMetrics struct {
	GatewayRequestsTotal *prometheus.CounterVec
	GatewayDuration      *prometheus.HistogramVec
	ReconnectsTotal      prometheus.Counter
	WSConnected          prometheus.Gauge
	QueueSize            prometheus.Gauge
	QueueDroppedTotal    prometheus.Counter
}

// NewProxyMetrics creates and registers the Proxy's metrics.
func NewProxyMetrics() *ProxyMetrics {
	return &ProxyMetrics{
		GatewayRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskbridge_proxy_gateway_requests_total",
			Help: "Total requests dispatched to the local payment gateway, by outcome",
		}, []string{"outcome"}),
		GatewayDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioskbridge_proxy_gateway_duration_seconds",
			Help:    "Local gateway dispatch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kioskbridge_proxy_reconnects_total",
			Help: "Total successful (re)connects to the cloud Server",
		}),
		WSConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kioskbridge_proxy_ws_connected",
			Help: "Whether the tunnel to the cloud Server is currently up (1=up, 0=down)",
		}),
		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kioskbridge_proxy_offline_queue_size",
			Help: "Current depth of the offline reply queue",
		}),
		QueueDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kioskbridge_proxy_offline_queue_dropped_total",
			Help: "Total replies dropped because the offline queue was full",
		}),
	}
}
