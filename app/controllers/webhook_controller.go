package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
)

const webhookTimeout = 15 * time.Second

func (a *APIController) HandleStripeWebhook(c *fiber.Ctx) error {
	return a.handlePaymentWebhook(c, models.ProcessorStripe)
}

func (a *APIController) HandleAbacatePayWebhook(c *fiber.Ctx) error {
	return a.handlePaymentWebhook(c, models.ProcessorAbacatePay)
}

// handlePaymentWebhook always answers with a definite status: 200 once the
// delivery needs no more work, 401 for a bad signature, and 404 or 5xx when
// the processor should retry.
func (a *APIController) handlePaymentWebhook(c *fiber.Ctx, processor string) error {
	adapter, ok := a.adapters[processor]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Processor not configured"})
	}

	payload := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(adapter.SignatureHeader()))

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := a.deps.Billing.Ingest(ctx, adapter, payload, signature)
	if err != nil {
		status := apperr.HTTPStatus(err)
		body := fiber.Map{"error": apperr.Code(err)}
		if res != nil {
			body["delivery_id"] = res.DeliveryID
			body["outcome"] = res.Outcome
		}
		if status >= fiber.StatusInternalServerError {
			a.log.Error("webhook processing failed", zap.String("processor", processor), zap.Error(err))
		}
		return c.Status(status).JSON(body)
	}

	return c.JSON(fiber.Map{
		"ok":          true,
		"delivery_id": res.DeliveryID,
		"outcome":     res.Outcome,
	})
}
