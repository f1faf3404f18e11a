// Package proxyhealth implements the kiosk Proxy's /health endpoint,
// grounded directly on the original's _health_handler
// (client/src/ws_client/proxy.py): ws_connected, uptime_seconds,
// queue_size and routes_configured, reported over a plain HTTP
// listener the way the teacher's internal/health.Handler does for the
// Server side.
package proxyhealth

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Response is the JSON body served at /health.
type Response struct {
	Status           string  `json:"status"`
	WSConnected      bool    `json:"ws_connected"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	QueueSize        int     `json:"queue_size"`
	RoutesConfigured int     `json:"routes_configured"`
}

// QueueSizer reports the offline queue's current depth.
type QueueSizer interface {
	Len() int
}

// Handler serves the Proxy's /health endpoint.
type Handler struct {
	startTime        time.Time
	connected        atomic.Bool
	queue            QueueSizer
	routesConfigured int
}

// New creates a proxyhealth.Handler. routesConfigured is the static
// count from the loaded RoutingConfig (spec §4.6).
func New(queue QueueSizer, routesConfigured int) *Handler {
	return &Handler{startTime: time.Now(), queue: queue, routesConfigured: routesConfigured}
}

// SetConnected is called by the Reconnector's OnConnect/session-exit
// hooks to keep ws_connected current.
func (h *Handler) SetConnected(connected bool) {
	h.connected.Store(connected)
}

// ServeHTTP handles GET /health.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connected := h.connected.Load()
	status := "healthy"
	httpCode := http.StatusOK
	if !connected {
		status = "disconnected"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:           status,
		WSConnected:      connected,
		UptimeSeconds:    time.Since(h.startTime).Seconds(),
		QueueSize:        h.queue.Len(),
		RoutesConfigured: h.routesConfigured,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
