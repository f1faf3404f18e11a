// Package router implements RequestRouter (spec §4.5): the HTTP POST
// /send handler that forwards an inbound HTTP request to a kiosk over
// the tunnel and returns its response. Follows the teacher's
// proxy.Handler.ServeHTTP staged-validation style (numbered steps,
// early return, structured log at each rejection); business-level
// errors are reported in-band (HTTP 200, structured body) per the
// original's routes.py send_message.
package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kioskbridge/tunnel/internal/registry"
	"github.com/kioskbridge/tunnel/internal/wire"
)

// Metrics is the subset of metrics.ServerMetrics the router reports to.
type Metrics interface {
	ObserveRequest(outcome string, duration time.Duration)
}

// DefaultKioskTimeout is used when New is given a non-positive timeout.
const DefaultKioskTimeout = 45 * time.Second

// ConnectionManager is the subset of connmanager.Manager the router needs.
type ConnectionManager interface {
	IsConnected(kioskID string) bool
	SendAndWait(ctx context.Context, kioskID string, env wire.Request, timeout time.Duration) (wire.Response, bool)
}

// Handler implements http.Handler for POST /send.
type Handler struct {
	Registry     registry.Registry
	ConnManager  ConnectionManager
	KioskTimeout time.Duration
	// Metrics is optional; set after New() to report request outcomes.
	Metrics Metrics
}

// New creates a router Handler. kioskTimeout of zero defaults to DefaultKioskTimeout.
func New(reg registry.Registry, cm ConnectionManager, kioskTimeout time.Duration) *Handler {
	if kioskTimeout <= 0 {
		kioskTimeout = DefaultKioskTimeout
	}
	return &Handler{Registry: reg, ConnManager: cm, KioskTimeout: kioskTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	outcome := "error"
	if h.Metrics != nil {
		defer func() { h.Metrics.ObserveRequest(outcome, time.Since(start)) }()
	}

	// 1. Required header.
	kioskID := r.Header.Get("Header-Kiosk-Id")
	if kioskID == "" {
		slog.Warn("rejected /send: missing header-kiosk-id")
		http.Error(w, "missing header-kiosk-id", http.StatusBadRequest)
		return
	}

	// 2. Build redacted headers map for forwarding.
	headers := wire.LowercaseHeaders(r.Header)

	body, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxFrameSize))
	if err != nil {
		slog.Warn("rejected /send: failed reading body", "kiosk_id", kioskID, "error", err)
		http.Error(w, "failed reading body", http.StatusBadRequest)
		return
	}

	// 3. Registry / connection checks — business errors, reported in-band.
	exists, err := h.Registry.Exists(ctx, kioskID)
	if err != nil {
		slog.Error("registry exists check failed", "kiosk_id", kioskID, "error", err)
		writeJSON(w, wire.NewErrorResponse("", wire.ErrProcessingError, err.Error()))
		return
	}
	if !exists {
		slog.Warn("kiosk not found", "kiosk_id", kioskID)
		writeJSON(w, kioskError(kioskID, wire.ErrKioskNotFound))
		return
	}
	enabled, err := h.Registry.IsEnabled(ctx, kioskID)
	if err != nil {
		slog.Error("registry enabled check failed", "kiosk_id", kioskID, "error", err)
		writeJSON(w, wire.NewErrorResponse("", wire.ErrProcessingError, err.Error()))
		return
	}
	if !enabled {
		slog.Warn("kiosk disabled", "kiosk_id", kioskID)
		writeJSON(w, kioskError(kioskID, wire.ErrKioskDisabled))
		return
	}
	if !h.ConnManager.IsConnected(kioskID) {
		slog.Warn("kiosk offline", "kiosk_id", kioskID)
		h.Registry.IncErrors(ctx)
		writeJSON(w, kioskError(kioskID, wire.ErrKioskOffline))
		return
	}

	// 4. Build envelope and send.
	env := wire.Request{Headers: headers, Body: body}
	resp, ok := h.ConnManager.SendAndWait(ctx, kioskID, env, h.KioskTimeout)

	latency := time.Since(start)
	h.Registry.IncRequests(ctx)
	h.Registry.AddLatencySample(ctx, latency.Seconds())

	if !ok {
		slog.Error("kiosk response timeout", "kiosk_id", kioskID, "latency", latency)
		h.Registry.IncErrors(ctx)
		writeJSON(w, kioskError(kioskID, wire.ErrTimeout))
		return
	}

	outcome = "ok"
	slog.Info("response sent to backend", "kiosk_id", kioskID, "latency", latency)
	writeJSON(w, resp)
}

func kioskError(kioskID, errTag string) wire.Response {
	r := wire.NewErrorResponse("", errTag, "")
	delete(r, "request_id")
	r["kiosk_id"] = kioskID
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed encoding response", "error", err)
	}
}
