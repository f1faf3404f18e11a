// Package wsendpoint implements the Cloud Server's WebSocket accept
// handler: the HTTP entry point kiosks dial into (spec §4.3, §4.8).
// Grounded on the original's websocket_endpoint/handle_websocket
// (server/src/websocket/server.py) for the verify-before-serve,
// reject-with-1008-policy-violation shape, and on the teacher's
// internal/proxy/handler.go ServeHTTP for the numbered-step structure.
package wsendpoint

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/kioskbridge/tunnel/internal/connmanager"
	"github.com/kioskbridge/tunnel/internal/receiveloop"
)

// Metrics is the subset of metrics.ServerMetrics this handler reports to.
type Metrics interface {
	ReportConnectionAccepted()
	ReportConnectionRejected(reason string)
	SetActiveKiosks(delta float64)
}

// Handler upgrades incoming kiosk HTTP connections to WebSocket and
// hands them off to the handshake protocol and ReceiveLoop.
type Handler struct {
	ConnManager *connmanager.Manager
	// Metrics is optional; set it after New() to report connection counts.
	Metrics Metrics
}

// New creates a wsendpoint.Handler.
func New(connMgr *connmanager.Manager) *Handler {
	return &Handler{ConnManager: connMgr}
}

// ServeHTTP accepts the WebSocket upgrade, runs the handshake, and —
// on success — blocks for the connection's lifetime running its
// ReceiveLoop (spec §4.3: the loop owns the socket until it dies).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("token")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	socket := connmanager.NewWSSocket(conn)
	ctx := r.Context()

	handle, reason, err := h.ConnManager.HandleHandshake(ctx, socket, credential)
	if err != nil {
		slog.Error("handshake failed", "error", err, "remote", r.RemoteAddr)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	if reason != "" {
		slog.Warn("kiosk connection rejected", "reason", reason, "remote", r.RemoteAddr)
		if h.Metrics != nil {
			h.Metrics.ReportConnectionRejected(string(reason))
		}
		conn.Close(websocket.StatusPolicyViolation, string(reason))
		return
	}

	if h.Metrics != nil {
		h.Metrics.ReportConnectionAccepted()
		h.Metrics.SetActiveKiosks(1)
		defer h.Metrics.SetActiveKiosks(-1)
	}

	receiveloop.Run(ctx, socket, handle.KioskID(), handle, h.ConnManager)
}
