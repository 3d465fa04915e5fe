package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/generation"
)

// HandleRunGeneration debits one credit per source image and stylizes them.
// Retries must resend the same idempotency key so only missing images are
// produced and nothing is debited twice.
func (a *APIController) HandleRunGeneration(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	var req generation.Request
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := a.deps.Generation.Run(c.UserContext(), ac.AccountID, req)
	if err != nil {
		return a.respondError(c, err)
	}
	if !res.Granted {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":     apperr.Code(apperr.ErrInsufficientCredits),
			"remaining": res.Remaining,
		})
	}
	if res.Succeeded() == 0 {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "generation_failed",
			"result": res,
		})
	}
	return c.JSON(res)
}

// HandleListGenerations returns the caller's most recent generations.
func (a *APIController) HandleListGenerations(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	items, err := a.deps.Generation.List(c.UserContext(), ac.AccountID, c.QueryInt("limit", 0))
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(fiber.Map{"generations": items})
}
