package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-dm/internal/auth"
	"github.com/pelusa-v/pelusa-dm/internal/chat"
	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/models"
)

// Directory is the user listing behind the sidebar.
type Directory interface {
	ListUsers(ctx context.Context, exclude string) ([]models.User, error)
	TouchUser(ctx context.Context, id string) error
}

// Handler serves the messaging API.
type Handler struct {
	svc      *chat.Service
	hub      *chat.Hub
	users    Directory
	resolver *auth.Resolver
	session  chat.SessionConfig
}

func NewHandler(svc *chat.Service, hub *chat.Hub, users Directory, resolver *auth.Resolver, session chat.SessionConfig) *Handler {
	return &Handler{svc: svc, hub: hub, users: users, resolver: resolver, session: session}
}

// UpgradeHandler guards GET /api/ws: identity is checked before the upgrade.
func (h *Handler) UpgradeHandler(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	uid, err := h.resolver.FromHandshake(c)
	if err != nil {
		logger.Debug("ws_handshake_rejected", "remote", c.IP(), "error", err)
		return fiber.NewError(fiber.StatusUnauthorized, "Unauthorized - "+err.Error())
	}
	auth.SetUserID(c, uid)
	if err := h.users.TouchUser(c.UserContext(), uid); err != nil {
		logger.Warn("touch_user_failed", "user", uid, "error", err)
	}
	return c.Next()
}

// WSHandler GET /api/ws
func (h *Handler) WSHandler(c *websocket.Conn) {
	uid, _ := c.Locals(auth.LocalsKey).(string)
	if err := h.hub.Serve(c, uid, h.session); err != nil {
		logger.Warn("ws_session_refused", "user", uid, "error", err)
	}
}

// UsersHandler GET /api/messages/users
func (h *Handler) UsersHandler(c *fiber.Ctx) error {
	users, err := h.users.ListUsers(c.UserContext(), auth.UserID(c))
	if err != nil {
		return err
	}
	if users == nil {
		users = []models.User{}
	}
	return c.JSON(users)
}

// InboxHandler GET /api/messages/inbox
func (h *Handler) InboxHandler(c *fiber.Ctx) error {
	return c.JSON(h.svc.Threads(auth.UserID(c)))
}

// MarkReadHandler POST /api/messages/:peerId/read
func (h *Handler) MarkReadHandler(c *fiber.Ctx) error {
	if err := h.svc.MarkRead(auth.UserID(c), c.Params("peerId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HistoryHandler GET /api/messages/:peerId
func (h *Handler) HistoryHandler(c *fiber.Ctx) error {
	msgs, err := h.svc.History(c.UserContext(), auth.UserID(c), c.Params("peerId"))
	if err != nil {
		return err
	}
	return c.JSON(nonNil(msgs))
}

// SinceHandler GET /api/messages/:peerId/new?since=
func (h *Handler) SinceHandler(c *fiber.Ctx) error {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid since: "+err.Error())
	}
	msgs, err := h.svc.Since(c.UserContext(), auth.UserID(c), c.Params("peerId"), since)
	if err != nil {
		return err
	}
	return c.JSON(nonNil(msgs))
}

// SendHandler POST /api/messages/send/:peerId
func (h *Handler) SendHandler(c *fiber.Ctx) error {
	var in chat.SendInput
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	m, err := h.svc.Send(c.UserContext(), auth.UserID(c), c.Params("peerId"), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

// DeleteHandler DELETE /api/messages/:messageId
func (h *Handler) DeleteHandler(c *fiber.Ctx) error {
	id := c.Params("messageId")
	if err := h.svc.Delete(c.UserContext(), auth.UserID(c), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "Message deleted", "messageId": id})
}

// ClearHandler DELETE /api/messages/:peerId/clear
func (h *Handler) ClearHandler(c *fiber.Ctx) error {
	n, err := h.svc.Clear(c.UserContext(), auth.UserID(c), c.Params("peerId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deletedCount": n})
}

// PresenceHandler GET /api/presence
func (h *Handler) PresenceHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"online": h.hub.Online()})
}

// HealthHandler GET /api/health
func (h *Handler) HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"online":    len(h.hub.Online()),
	})
}

// parseSince accepts RFC3339 (with optional fractional seconds) or unix
// milliseconds. Empty means the beginning of the conversation.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func nonNil(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}
	return msgs
}
