// Package serverhealth implements the Cloud Server's health and
// introspection HTTP surface: /health plus the supplemented
// /api/kiosks, /api/stats, /api/history endpoints the distilled spec
// dropped but the original's routes.py (server/src/api/routes.py)
// exposes for operator dashboards. Grounded on the teacher's
// internal/health.Handler for the endpoint/response shape.
package serverhealth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kioskbridge/tunnel/internal/registry"
)

// ConnectionManager is the subset of connmanager.Manager this package needs.
type ConnectionManager interface {
	IsConnected(kioskID string) bool
}

// Handler serves the Server's /health, /api/kiosks, /api/stats and
// /api/history endpoints.
type Handler struct {
	startTime time.Time
	registry  registry.Registry
	connMgr   ConnectionManager
	version   string
}

// New creates a serverhealth.Handler.
func New(reg registry.Registry, connMgr ConnectionManager, version string) *Handler {
	return &Handler{startTime: time.Now(), registry: reg, connMgr: connMgr, version: version}
}

// healthResponse mirrors the original's health_check() JSON shape,
// renamed from "redis" to "registry" since this repo's default store
// isn't Redis.
type healthResponse struct {
	Status       string `json:"status"`
	Registry     string `json:"registry"`
	ActiveKiosks int    `json:"active_kiosks"`
	TotalKiosks  int    `json:"total_kiosks"`
	Uptime       string `json:"uptime"`
	Version      string `json:"version,omitempty"`
}

// ServeHealth handles GET/HEAD /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kiosks, err := h.registry.List(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Registry: "disconnected"})
		return
	}

	active := 0
	for _, k := range kiosks {
		if h.connMgr.IsConnected(k.ID) {
			active++
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		Registry:     "connected",
		ActiveKiosks: active,
		TotalKiosks:  len(kiosks),
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Version:      h.version,
	})
}

// kioskView is one entry in /api/kiosks, matching the original's
// per-kiosk online/uptime augmentation.
type kioskView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	Online      bool   `json:"online"`
	UptimeSec   int64  `json:"uptime_seconds"`
}

// ServeKiosks handles GET /api/kiosks.
func (h *Handler) ServeKiosks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kiosks, err := h.registry.List(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]kioskView, 0, len(kiosks))
	online := 0
	for _, k := range kiosks {
		connected := h.connMgr.IsConnected(k.ID)
		if connected {
			online++
		}
		v := kioskView{ID: k.ID, DisplayName: k.DisplayName, Enabled: k.Enabled, Online: connected}
		if connected && !k.ConnectedAt.IsZero() {
			v.UptimeSec = int64(time.Since(k.ConnectedAt).Seconds())
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kiosks": views,
		"total":  len(kiosks),
		"online": online,
	})
}

// ServeStats handles GET /api/stats.
func (h *Handler) ServeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"requests_total": 0, "errors_total": 0, "avg_latency": 0, "requests_per_minute": 0,
		})
		return
	}

	avgLatency := 0.0
	if stats.LatencyCount > 0 {
		avgLatency = stats.LatencySumSec / float64(stats.LatencyCount)
	}
	uptimeMinutes := time.Since(h.startTime).Minutes()
	requestsPerMinute := 0.0
	if uptimeMinutes >= 1 {
		requestsPerMinute = float64(stats.TotalRequests) / uptimeMinutes
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests_total":      stats.TotalRequests,
		"errors_total":        stats.TotalErrors,
		"avg_latency":         avgLatency,
		"requests_per_minute": requestsPerMinute,
	})
}

// historyQueryKioskID identifies which kiosk /api/history reports on,
// matching the original's single-kiosk history lookup (the original
// queried Redis directly by kiosk_id from a query param).
const historyQueryKioskID = "kiosk_id"

// ServeHistory handles GET /api/history?kiosk_id=....
func (h *Handler) ServeHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(historyQueryKioskID)
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"history": []any{}})
		return
	}

	events, err := h.registry.History(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []any{}})
		return
	}

	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = map[string]any{"event": string(e.Kind), "at": e.At.UTC().Format(time.RFC3339)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Register mounts the handler's routes on mux, matching the original's
// flat /health, /api/kiosks, /api/stats, /api/history paths.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.ServeHealth)
	mux.HandleFunc("/api/kiosks", h.ServeKiosks)
	mux.HandleFunc("/api/stats", h.ServeStats)
	mux.HandleFunc("/api/history", h.ServeHistory)
}
