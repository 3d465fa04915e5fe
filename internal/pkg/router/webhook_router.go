package router

import (
	"github.com/gofiber/fiber/v2"
)

type WebhookRouter struct {
	cfg Config
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	ctrl := h.cfg.Controller

	app.Get("/health", ctrl.HandleHealth)

	hooks := app.Group("/webhooks")
	hooks.Post("/stripe", ctrl.HandleStripeWebhook)
	hooks.Post("/abacatepay", ctrl.HandleAbacatePayWebhook)
	hooks.Post("/identity", ctrl.HandleIdentityWebhook)
}

func NewWebhookRouter(cfg Config) *WebhookRouter {
	return &WebhookRouter{cfg: cfg}
}
