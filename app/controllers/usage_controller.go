package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
)

type authorizeUsageRequest struct {
	Units          int    `json:"units" validate:"required,gte=1"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=191"`
}

type refundUsageRequest struct {
	TicketID string `json:"ticket_id" validate:"required,max=36"`
	Units    int    `json:"units" validate:"required,gte=1"`
}

// HandleAuthorizeUsage debits credits ahead of an external generation call.
// A denial answers 402 with the balance so clients can offer a top-up.
func (a *APIController) HandleAuthorizeUsage(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	var req authorizeUsageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	decision, err := a.deps.Gate.AuthorizeAndDebit(c.UserContext(), ac.AccountID, req.Units, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		return a.respondError(c, err)
	}
	if !decision.Granted {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":     apperr.Code(apperr.ErrInsufficientCredits),
			"remaining": decision.Remaining,
		})
	}

	return c.JSON(fiber.Map{
		"granted":   true,
		"remaining": decision.Remaining,
		"replayed":  decision.Replayed,
		"ticket":    decision.Ticket,
	})
}

// HandleRefundUsage returns unused units of a ticket to the balance.
func (a *APIController) HandleRefundUsage(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	var req refundUsageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	remaining, err := a.deps.Gate.Refund(c.UserContext(), ac.AccountID, req.TicketID, req.Units)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(fiber.Map{"ticket_id": req.TicketID, "remaining": remaining})
}
