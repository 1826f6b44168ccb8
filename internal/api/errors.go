package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"bustracker/internal/transit"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, transit.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, transit.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, transit.ErrAlreadyTerminal), errors.Is(err, transit.ErrAlreadyRunning):
		return fiber.StatusConflict
	case errors.Is(err, transit.ErrTransientIO):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code >= fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "status", code, "err", err)
		if code == fiber.StatusInternalServerError {
			msg = "internal error"
		}
	}
	return c.Status(code).JSON(errorResponse{Error: msg})
}

func badRequest(msg string) error {
	return fiber.NewError(fiber.StatusBadRequest, msg)
}
