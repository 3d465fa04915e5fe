package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/billing"
)

// HandleListPackages exposes the purchasable packages.
func (a *APIController) HandleListPackages(c *fiber.Ctx) error {
	catalog := a.deps.Billing.Catalog()
	return c.JSON(fiber.Map{
		"packages":        catalog.Packages(),
		"free_quota":      catalog.FreeQuota,
		"free_reset_days": catalog.FreeResetDays,
	})
}

// HandleInitiateCheckout opens a charge at the chosen processor and records
// the pending transaction the webhook will later confirm.
func (a *APIController) HandleInitiateCheckout(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.AccountID = ac.AccountID
	req.Email = ac.Email

	res, err := a.deps.Billing.InitiateCheckout(c.UserContext(), req)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"transaction":  transactionJSON(res.Transaction),
		"redirect_url": res.RedirectURL,
	})
}

// HandleGetCheckout reports the local status of one of the caller's
// transactions, polling the processor while it is still pending.
func (a *APIController) HandleGetCheckout(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	txn, err := a.deps.Billing.TransactionForAccount(c.UserContext(), ac.AccountID, c.Params("processor"), c.Params("transactionId"))
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(fiber.Map{"transaction": transactionJSON(txn)})
}

func transactionJSON(t *models.PaymentTransaction) fiber.Map {
	if t == nil {
		return nil
	}
	return fiber.Map{
		"processor":       t.Processor,
		"transaction_id":  t.ProcessorTransactionID,
		"package_id":      t.PackageID,
		"kind":            t.Kind,
		"plan":            t.PlanTier,
		"credits_granted": t.CreditsGranted,
		"amount_cents":    t.AmountCents,
		"currency":        t.Currency,
		"status":          t.Status,
		"paid_at":         formatTimePtr(t.PaidAt),
		"canceled_at":     formatTimePtr(t.CanceledAt),
	}
}
