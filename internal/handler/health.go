// Package handler provides HTTP handlers for the status server.
package handler

import (
	"net/http"
)

// ConnChecker reports connectivity of the realtime message log.
type ConnChecker interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	feed ConnChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(feed ConnChecker) *HealthHandler {
	return &HealthHandler{feed: feed}
}

// Health handles GET /health and reports process liveness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready, readiness including feed connectivity.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil || !h.feed.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "message log disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
