package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
)

// AppConfig holds the HTTP surface settings.
type AppConfig struct {
	BodyLimit      int
	AllowedOrigins []string
	MediaURL       string
	MediaDir       string
}

// NewApp builds the fiber application with every route mounted.
func NewApp(h *Handler, protect fiber.Handler, cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "pelusa-dm",
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestLog)
	if len(cfg.AllowedOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
			AllowCredentials: true,
		}))
	}
	if cfg.MediaURL != "" && cfg.MediaDir != "" {
		app.Static(cfg.MediaURL, cfg.MediaDir)
	}

	api := app.Group("/api")
	api.Get("/health", h.HealthHandler)
	api.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// WS
	api.Use("/ws", h.UpgradeHandler)
	api.Get("/ws", websocket.New(h.WSHandler))

	api.Get("/presence", protect, h.PresenceHandler)

	msgs := api.Group("/messages", protect)
	msgs.Get("/users", h.UsersHandler)
	msgs.Get("/inbox", h.InboxHandler)
	msgs.Post("/send/:peerId", h.SendHandler)
	msgs.Get("/:peerId/new", h.SinceHandler) // ?since=
	msgs.Get("/:peerId", h.HistoryHandler)
	msgs.Post("/:peerId/read", h.MarkReadHandler)
	msgs.Delete("/:peerId/clear", h.ClearHandler)
	msgs.Delete("/:messageId", h.DeleteHandler)

	return app
}

func requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
	}
	logger.Debug("http_request",
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"duration", time.Since(start),
	)
	return err
}
