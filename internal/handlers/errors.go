package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-dm/internal/auth"
	"github.com/pelusa-v/pelusa-dm/internal/chat"
	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/media"
	"github.com/pelusa-v/pelusa-dm/internal/store"
)

// ErrorHandler maps domain errors to HTTP responses.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	switch {
	case errors.Is(err, store.ErrStorageUnavailable):
		logger.Warn("request_storage_unavailable", "path", c.Path(), "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"message": "Database connection timeout",
			"error":   "Please try again in a moment",
		})
	case errors.Is(err, chat.ErrPermissionDenied):
		return jsonError(c, fiber.StatusForbidden, err)
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidID),
		errors.Is(err, media.ErrNotAnImage):
		return jsonError(c, fiber.StatusBadRequest, err)
	case errors.Is(err, media.ErrTooLarge):
		return jsonError(c, fiber.StatusRequestEntityTooLarge, err)
	case errors.Is(err, store.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, err)
	case errors.Is(err, chat.ErrUnauthorized),
		errors.Is(err, auth.ErrNoIdentity),
		errors.Is(err, auth.ErrInvalidToken):
		return jsonError(c, fiber.StatusUnauthorized, err)
	case errors.As(err, &fe):
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	logger.Error("request_failed", "method", c.Method(), "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}

func jsonError(c *fiber.Ctx, code int, err error) error {
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
