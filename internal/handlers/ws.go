// Package handlers exposes the relay's HTTP surface: the websocket endpoint
// and health routes.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/messages"
	"github.com/chatwire/chatwire/internal/receipts"
	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/transport"
)

// WSHandler upgrades websocket connections and routes their inbound events to
// the relay core. It implements transport.Router.
type WSHandler struct {
	hub      *transport.Hub
	session  *session.Service
	messages *messages.Service
	receipts *receipts.Service
	registry *rooms.Registry
	opts     transport.ConnOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the websocket gateway.
func NewWSHandler(log *slog.Logger, cfg config.Config, hub *transport.Hub, sess *session.Service, msgs *messages.Service, rcpt *receipts.Service, reg *rooms.Registry) *WSHandler {
	return &WSHandler{
		hub:      hub,
		session:  sess,
		messages: msgs,
		receipts: rcpt,
		registry: reg,
		opts: transport.ConnOptions{
			SendBuffer:     cfg.Relay.SendBuffer,
			MaxMessageSize: cfg.Relay.MaxMessageSize,
			RatePerSecond:  cfg.Relay.RatePerSecond,
			RateBurst:      cfg.Relay.RateBurst,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth and origin policy are an upstream concern; the relay
			// accepts any origin, mirroring the open CORS of the HTTP side.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "ws")),
	}
}

// Register mounts GET /ws on the Echo instance.
func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Serve)
}

// Serve upgrades the request and pumps the connection until it closes.
func (h *WSHandler) Serve(c echo.Context) error {
	sock, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}

	conn := transport.NewConn(sock, h.logger, h.opts)
	h.hub.Register(conn)
	h.logger.Info("connection opened",
		slog.String("conn_id", conn.ID()), slog.String("remote", c.RealIP()))

	go conn.WriteLoop()
	conn.ReadLoop(c.Request().Context(), h)
	return nil
}

// Route dispatches one inbound envelope. Events from the same connection
// arrive here in socket order.
func (h *WSHandler) Route(ctx context.Context, conn *transport.Conn, env transport.Envelope) {
	switch env.Event {
	case transport.EventJoin:
		h.handleJoin(ctx, conn, env.Data)
	case transport.EventJoinChat:
		h.handleJoinChat(ctx, conn, env.Data)
	case transport.EventSendMessage:
		h.handleSend(ctx, conn, env.Data)
	case transport.EventMarkRead:
		h.handleMarkRead(ctx, conn, env.Data)
	case transport.EventTyping:
		h.handleTyping(conn, env.Data)
	default:
		h.logger.Warn("unknown event",
			slog.String("event", env.Event), slog.String("conn_id", conn.ID()))
	}
}

// Disconnected drops the connection from the hub (discarding its room
// memberships) and clears presence for the bound user.
func (h *WSHandler) Disconnected(ctx context.Context, connID string) {
	h.hub.Unregister(connID)
	h.session.Disconnect(ctx, connID)
	h.logger.Info("connection closed", slog.String("conn_id", connID))
}

func (h *WSHandler) handleJoin(ctx context.Context, conn *transport.Conn, data json.RawMessage) {
	userID := stringOrField(data, "userId")
	if userID == "" {
		conn.Send(transport.EventJoinError, map[string]string{"error": "user id is required"})
		return
	}
	h.session.Join(ctx, conn.ID(), userID)
}

func (h *WSHandler) handleJoinChat(ctx context.Context, conn *transport.Conn, data json.RawMessage) {
	chatID := stringOrField(data, "chatId")
	if chatID == "" {
		h.logger.Warn("join-chat without chat id", slog.String("conn_id", conn.ID()))
		return
	}
	h.session.JoinChat(ctx, conn.ID(), chatID)
}

func (h *WSHandler) handleSend(ctx context.Context, conn *transport.Conn, data json.RawMessage) {
	var in messages.SendInput
	if err := json.Unmarshal(data, &in); err != nil {
		conn.Send(transport.EventSendError, map[string]string{"error": "malformed send-message payload"})
		return
	}
	// Send reports failures to the connection itself; nothing further to do.
	_ = h.messages.Send(ctx, conn.ID(), in)
}

func (h *WSHandler) handleMarkRead(ctx context.Context, conn *transport.Conn, data json.RawMessage) {
	var in struct {
		ChatID    string `json:"chatId"`
		UserID    string `json:"userId"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		h.logger.Warn("malformed mark-read payload", slog.String("conn_id", conn.ID()))
		return
	}
	if in.UserID == "" {
		in.UserID, _ = h.session.IdentityFor(conn.ID())
	}
	if in.ChatID == "" || in.UserID == "" || in.MessageID == "" {
		return
	}
	h.receipts.MarkRead(ctx, in.ChatID, in.UserID, in.MessageID)
}

type typingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// handleTyping relays a typing indicator to the chat room without persistence.
func (h *WSHandler) handleTyping(conn *transport.Conn, data json.RawMessage) {
	var in typingPayload
	if err := json.Unmarshal(data, &in); err != nil || in.ChatID == "" {
		return
	}
	if in.UserID == "" {
		in.UserID, _ = h.session.IdentityFor(conn.ID())
	}
	h.registry.Broadcast(rooms.ChatRoom(in.ChatID), transport.EventUserTyping, in, conn.ID())
}

// stringOrField decodes a payload that is either a bare JSON string or an
// object carrying the value under key (clients send both shapes).
func stringOrField(data json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	if raw, ok := obj[key]; ok {
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}
