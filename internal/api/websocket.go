package api

import (
	"net/http"
	"time"

	"circlesync/internal/services"
	"circlesync/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ActivityFeedHandler streams activity entries to admin dashboards
type ActivityFeedHandler struct {
	activity *services.ActivityService
	logger   *utils.Logger
}

// NewActivityFeedHandler creates a new activity feed handler
func NewActivityFeedHandler(activity *services.ActivityService) *ActivityFeedHandler {
	return &ActivityFeedHandler{
		activity: activity,
		logger:   utils.NewLogger("ActivityFeed"),
	}
}

// StreamHandler upgrades to a websocket and streams live activity
func (h *ActivityFeedHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	feed := h.activity.Subscribe()
	defer h.activity.Unsubscribe(feed)

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-feed:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
