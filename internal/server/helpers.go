package server

import (
	"context"
	"errors"

	"blockverse/internal/models"

	"github.com/gofiber/fiber/v2"
)

// statusFor maps an error kind to the HTTP status of the control surface.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindNotAuthenticated:
		return fiber.StatusUnauthorized
	case models.KindMutationInProgress:
		return fiber.StatusConflict
	case models.KindInvalidTarget, models.KindInvalidAmount, models.KindValidation:
		return fiber.StatusBadRequest
	case models.KindNotFound:
		return fiber.StatusNotFound
	case models.KindRemote:
		return fiber.StatusBadGateway
	case models.KindTransport:
		if errors.Is(err, context.DeadlineExceeded) {
			return fiber.StatusGatewayTimeout
		}
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return models.RespondWithError(c, statusFor(err), appErr)
	}
	return models.RespondWithError(c, statusFor(err), err)
}

func principal(c *fiber.Ctx) models.Principal {
	p, _ := c.Locals("principal").(models.Principal)
	return p
}

// pageResponse is the body returned for any cached list.
type pageResponse[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

func badRequest(c *fiber.Ctx, message string) error {
	return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(message))
}
