package api

import (
	"net/http"

	"circlesync/internal/services"
	"circlesync/internal/utils"
)

// WebhookHandler receives provider push notifications. The provider
// retries on non-2xx, so every outcome short of a missing channel header
// is acknowledged; a dropped ping only delays the key until its next
// scheduled poll.
type WebhookHandler struct {
	planner *services.SyncPlanner
	logger  *utils.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(planner *services.SyncPlanner) *WebhookHandler {
	return &WebhookHandler{
		planner: planner,
		logger:  utils.NewLogger("WebhookHandler"),
	}
}

// NotificationHandler handles one provider change notification
func (h *WebhookHandler) NotificationHandler(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "Missing channel header", "")
		return
	}

	// The initial sync message confirms channel creation; no data changed.
	if r.Header.Get("X-Goog-Resource-State") == "sync" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.planner.HandleWebhookPing(r.Context(), channelID); err != nil {
		h.logger.Warn("Failed to handle webhook ping for channel %s: %v", channelID, err)
	}
	w.WriteHeader(http.StatusOK)
}
