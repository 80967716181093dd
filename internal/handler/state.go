package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unibook/chatsync/internal/engine"
	"github.com/unibook/chatsync/internal/middleware"
	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/pkg/logger"
)

// StateHandler exposes the engine's badge/toast projection and its control
// endpoints to the UI layer.
type StateHandler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewStateHandler creates a new state handler.
func NewStateHandler(eng *engine.Engine, log *logger.Logger) *StateHandler {
	return &StateHandler{engine: eng, logger: log}
}

// State handles GET /api/v1/state
func (h *StateHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// Resync handles POST /api/v1/resync, the manual recovery entry point.
func (h *StateHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resync(r.Context()); err != nil {
		h.logger.Error("manual resync failed",
			"correlation_id", middleware.GetCorrelationID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "resync failed")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// presenceRequest is the body of POST /api/v1/presence.
type presenceRequest struct {
	Path string `json:"path"`
}

// Presence handles POST /api/v1/presence, navigation updates from the UI.
func (h *StateHandler) Presence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.engine.SetLocation(req.Path)
	w.WriteHeader(http.StatusNoContent)
}

// OpenConversation handles POST /api/v1/conversations/{id}/open
func (h *StateHandler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation id")
		return
	}
	h.engine.OpenConversation(r.Context(), conversationID)
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// sendMessageRequest is the body of POST /api/v1/conversations/{id}/messages.
type sendMessageRequest struct {
	Body string            `json:"body"`
	Kind model.MessageKind `json:"kind,omitempty"`
}

// SendMessage handles POST /api/v1/conversations/{id}/messages
func (h *StateHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "empty message body")
		return
	}

	msg, err := h.engine.SendMessage(r.Context(), conversationID, req.Body, req.Kind)
	if err != nil {
		h.logger.Error("failed to send message",
			"conversation_id", conversationID,
			"correlation_id", middleware.GetCorrelationID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DismissToast handles POST /api/v1/toasts/{id}/dismiss
func (h *StateHandler) DismissToast(w http.ResponseWriter, r *http.Request) {
	toastID := chi.URLParam(r, "id")
	if toastID == "" {
		writeError(w, http.StatusBadRequest, "missing toast id")
		return
	}
	h.engine.Dispatcher().Dismiss(toastID)
	w.WriteHeader(http.StatusNoContent)
}

// openToastResponse is the body returned by toast open.
type openToastResponse struct {
	NavigateTo string `json:"navigate_to"`
}

// OpenToast handles POST /api/v1/toasts/{id}/open, a toast click. Returns
// the conversation route the UI should navigate to.
func (h *StateHandler) OpenToast(w http.ResponseWriter, r *http.Request) {
	toastID := chi.URLParam(r, "id")
	if toastID == "" {
		writeError(w, http.StatusBadRequest, "missing toast id")
		return
	}

	target, ok := h.engine.Dispatcher().Open(r.Context(), toastID)
	if !ok {
		writeError(w, http.StatusNotFound, "toast not found")
		return
	}
	writeJSON(w, http.StatusOK, openToastResponse{NavigateTo: target})
}
