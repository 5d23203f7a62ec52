package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/services"
)

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNoTenant):
		return fiber.StatusUnauthorized
	case errors.Is(err, repository.ErrMediaNotFound),
		errors.Is(err, repository.ErrSurveyNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrNoFiles),
		errors.Is(err, services.ErrUnsupportedExtension),
		errors.Is(err, services.ErrEmptyFile),
		errors.Is(err, repository.ErrDuplicateFilename):
		return fiber.StatusBadRequest
	case errors.Is(err, repository.ErrAlreadyProcessing),
		errors.Is(err, repository.ErrAlreadyCompleted):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrStorageDelete):
		return fiber.StatusBadGateway
	case errors.Is(err, services.ErrEnqueue):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "Internal server error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
