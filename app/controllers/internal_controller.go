package controllers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/identity"
)

type entitlementRequest struct {
	Unlimited *bool `json:"unlimited" validate:"required"`
}

// HandleProvision is called by the sales automation to create or top up an
// account by email before its owner ever signs in.
func (a *APIController) HandleProvision(c *fiber.Ctx) error {
	var req identity.ProvisionInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	res, err := a.deps.Resolver.Provision(c.UserContext(), req)
	if err != nil {
		return a.respondError(c, err)
	}

	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"account_id": res.Account.ID,
		"email":      res.Account.NormalizedEmail,
		"credits":    res.Account.CreditBalance,
		"plan":       res.Account.PlanTier,
		"created":    res.Created,
		"duplicate":  res.Duplicate,
	})
}

// HandleSetEntitlement toggles the unlimited flag of one account.
func (a *APIController) HandleSetEntitlement(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid account id")
	}

	var req entitlementRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := a.deps.Ledger.SetUnlimited(c.UserContext(), uint(id), *req.Unlimited); err != nil {
		return a.respondError(c, err)
	}
	a.log.Info("entitlement changed", zap.Int("account_id", id), zap.Bool("unlimited", *req.Unlimited))
	return c.JSON(fiber.Map{"account_id": id, "unlimited": *req.Unlimited})
}

// HandleStats exposes the webhook outcome counters.
func (a *APIController) HandleStats(c *fiber.Ctx) error {
	snap, err := a.deps.Counter.Snapshot(c.UserContext())
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(fiber.Map{"webhooks": snap})
}

func (a *APIController) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
