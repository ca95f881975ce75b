package session

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/auth"
	"github.com/fifthgg/matchmaking/internal/logging"
	ws "github.com/fifthgg/matchmaking/pkg/http/ws"
)

// Handler upgrades authenticated requests and pumps their messages into the gateway.
type Handler struct {
	gateway  *Gateway
	hub      *ws.Hub
	tokens   auth.TokenValidator
	upgrader *websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the matchmaking WebSocket handler.
func NewHandler(gateway *Gateway, hub *ws.Hub, tokens auth.TokenValidator, upgrader *websocket.Upgrader, logger zerolog.Logger) *Handler {
	return &Handler{
		gateway:  gateway,
		hub:      hub,
		tokens:   tokens,
		upgrader: upgrader,
		logger:   logger.With().Str("component", "session_handler").Logger(),
	}
}

// HandleWebSocket validates the token, upgrades and serves the connection until it closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.Authenticate(w, r, h.tokens, h.logger)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.serve(r.Context(), conn, claims.UserID)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, userID uuid.UUID) {
	registry := h.gateway.Registry()

	var wsConn *ws.Connection
	wsConn = ws.NewConnection(conn, func() { registry.Touch(userID, wsConn.ID()) }, h.logger)

	logger := h.logger.With().Str("user_id", userID.String()).Str("conn_id", wsConn.ID()).Logger()
	ctx = logging.IntoContext(ctx, logger)

	h.hub.Register(wsConn)
	registry.Bind(userID, wsConn.ID())
	h.gateway.opts.Recorder.ObserveConnection(1)
	logger.Info().Msg("matchmaking connection opened")

	go wsConn.WritePump()

	// Messages from one connection are handled in order.
	wsConn.ReadPump(func(msg ws.Message) error {
		h.gateway.Dispatch(ctx, Origin{UserID: userID, Conn: wsConn, RequestID: msg.RequestID}, msg)
		return nil
	})

	// The binding stays until leave or the idle reaper.
	h.hub.Unregister(wsConn)
	h.gateway.opts.Recorder.ObserveConnection(-1)
	logger.Info().Msg("matchmaking connection closed")
}
