package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/db"
	ws "github.com/quillbox/backend/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time sync
// events.
type WebSocketHandler struct {
	store *db.Store
	hub   *ws.Hub
}

func NewWebSocketHandler(store *db.Store, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		store: store,
		hub:   hub,
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// This server runs behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with
// the hub. The read loop only exists to detect the client going away;
// this channel is push-only.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context(), w, h.store)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket handler: upgrade failed")
		return
	}

	client := h.hub.Register(userID, conn)
	if client == nil {
		return
	}

	go func() {
		defer h.hub.Unregister(userID, client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
