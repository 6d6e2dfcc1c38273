package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/audit"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/auth"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/config"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/hub"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/service"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/middleware"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

// Authenticator resolves a handshake token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Identity, error)
}

// WSHandler handles WebSocket connections for trip collaboration.
type WSHandler struct {
	hub      *hub.Hub
	service  service.CollabService
	auth     Authenticator
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(h *hub.Hub, svc service.CollabService, authenticator Authenticator, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		auth:    authenticator,
		wsCfg:   wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: wsCfg.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket authenticates the handshake and upgrades the connection.
// A request without a valid token is refused with 401 before any upgrade.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := pkglog.Ctx(r.Context())

	identity, err := h.auth.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		audit.LogWithDetail(r.Context(), audit.ActionAuthFailed, "", err.Error(), "websocket handshake rejected")
		message := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			message = "token expired"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(protocol.NewErrorMessage(protocol.ErrCodeAuth, message))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, *identity, h.wsCfg)

	// The request context ends with this handler; the connection outlives it.
	ctx := pkglog.WithLogger(context.Background(), l)
	ctx = pkglog.WithSession(ctx, client.ID, identity.UserID)

	if err := h.service.HandleConnect(ctx, client); err != nil {
		l.Error().Err(err).Msg("failed to register client")
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(
		func(c *hub.Client, message []byte) { h.handleMessage(ctx, c, message) },
		func(c *hub.Client) { h.onDisconnect(ctx, c) },
	)
}

func (h *WSHandler) handleMessage(ctx context.Context, c *hub.Client, message []byte) {
	l := pkglog.Ctx(ctx)

	var base protocol.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		c.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeBadRequest, "invalid message format"))
		return
	}

	switch base.Type {
	case protocol.MsgTypeJoinTrip:
		var msg protocol.TripMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeBadRequest, "invalid trip:join message"))
			return
		}
		if err := h.service.HandleJoin(ctx, c, msg.TripID); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldTripID, msg.TripID).Msg("join failed")
		}

	case protocol.MsgTypeLeaveTrip:
		var msg protocol.TripMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeBadRequest, "invalid trip:leave message"))
			return
		}
		if err := h.service.HandleLeave(ctx, c, msg.TripID); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldTripID, msg.TripID).Msg("leave failed")
		}

	case protocol.MsgTypePing:
		c.SendMessage(&protocol.BaseMessage{Type: protocol.MsgTypePong})

	default:
		// Anything else is a domain event; unknown names are dropped by the relay.
		var msg protocol.EventMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeBadRequest, "invalid event message"))
			return
		}
		if err := h.service.HandleEvent(ctx, c, protocol.EventName(msg.Type), msg.TripID, msg.Payload); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldEvent, msg.Type).Msg("relay failed")
		}
	}
}

func (h *WSHandler) onDisconnect(ctx context.Context, c *hub.Client) {
	if err := h.service.HandleDisconnect(ctx, c); err != nil {
		l := pkglog.Ctx(ctx)
		l.Debug().Err(err).Msg("disconnect cleanup skipped")
	}
}

// TokenFromRequest reads the handshake credential from the token query
// parameter, falling back to an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey))
	return token
}
