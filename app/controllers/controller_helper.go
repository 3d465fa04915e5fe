package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/usercontext"
)

// respondError writes the JSON error body for err. Server side failures are
// logged; client errors are not.
func (a *APIController) respondError(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	body := fiber.Map{"error": apperr.Code(err)}
	if errors.Is(err, apperr.ErrInvalidInput) {
		body["message"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": apperr.Code(apperr.ErrInvalidInput), "message": message})
}

// currentAccount returns the resolved caller or writes a 401.
func currentAccount(c *fiber.Ctx) (usercontext.AccountContext, bool) {
	ac, ok := usercontext.Get(c)
	if !ok || ac.AccountID == 0 {
		_ = c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
		return ac, false
	}
	return ac, true
}

// idempotencyKey prefers the body value and falls back to the header.
func idempotencyKey(c *fiber.Ctx, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Get("Idempotency-Key")
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
