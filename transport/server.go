package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests to websocket connections and attaches them
// to the session manager. Mount it wherever the application serves its
// collaboration endpoint:
//
//	http.Handle("/collab", transport.NewHandler(manager, transport.DefaultWebSocketOptions()))
//
// The room id is the "room" query parameter. Access control happens in the
// surrounding HTTP stack before the upgrade, not here.
type Handler struct {
	attacher Attacher
	opts     WebSocketOptions
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a websocket endpoint feeding the given attacher.
func NewHandler(attacher Attacher, opts WebSocketOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		attacher: attacher,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: opts.Logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room parameter", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewWebSocketConnector(ws, h.opts)
	// The connection outlives the HTTP request that carried the upgrade.
	if err := h.attacher.Attach(context.Background(), roomID, conn); err != nil {
		h.log.Error("Failed to attach connection",
			zap.String("room_id", roomID),
			zap.Error(err))
		conn.Close()
	}
}
