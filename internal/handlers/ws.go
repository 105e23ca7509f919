package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/brianhealey/drone-relay/internal/protocol"
	"github.com/brianhealey/drone-relay/internal/registry"
	"github.com/brianhealey/drone-relay/internal/router"
)

// socketChannel adapts a websocket connection to registry.Channel.
// Writes are serialized; gorilla connections allow one concurrent writer.
type socketChannel struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
}

func (s *socketChannel) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socketChannel) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait)); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// ServeWS upgrades /ws/{role}/{client_id} and pumps frames into the router
// until the client goes away.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, clientID := vars["role"], vars["client_id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.cfg.Server.MaxMessageBytes)

	ch := &socketChannel{conn: conn, writeWait: h.cfg.Server.WriteWait}
	c, err := h.registry.Register(ch, role, clientID)
	if err != nil {
		h.log.Warn().Err(err).Str("role", role).Str("remote", r.RemoteAddr).Msg("rejected connection")
		return
	}
	defer conn.Close()
	defer h.registry.Disconnect(c)

	logger := h.log.With().Str("client_id", c.ClientID).Str("role", string(c.Role)).Logger()

	if err := h.registry.Send(c.Role, c.ClientID, protocol.NewConnectionEstablished(c.ClientID, c.Role)); err != nil {
		logger.Warn().Err(err).Msg("failed to greet client")
		return
	}

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if err := h.router.Route(r.Context(), c.ClientID, c.Role, frame); err != nil {
			switch {
			case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownType):
				logger.Warn().Err(err).Int("bytes", len(frame)).Msg("discarding frame")
			case errors.Is(err, router.ErrRoleMismatch):
				logger.Warn().Err(err).Msg("dropping message not allowed for role")
			case errors.Is(err, registry.ErrClientNotFound):
				logger.Debug().Err(err).Msg("recipient not connected")
			default:
				logger.Error().Err(err).Msg("failed to handle message")
			}
		}
	}
}
