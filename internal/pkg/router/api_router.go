package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PetFox/internal/pkg/middleware"
)

const defaultRateLimit = 120

type ApiRouter struct {
	cfg Config
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limit := h.cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		Storage:    h.cfg.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	ctrl := h.cfg.Controller
	v1 := api.Group("/v1")
	v1.Get("/catalog", ctrl.HandleListPackages)

	// Identity is resolved per route rather than per group so the internal
	// routes below never require an end-user token.
	auth := middleware.IdentityAuth(h.cfg.Resolver, h.cfg.IdentityTokenSecret, h.cfg.Log)
	v1.Get("/account", auth, ctrl.HandleGetAccount)
	v1.Post("/usage/authorize", auth, ctrl.HandleAuthorizeUsage)
	v1.Post("/usage/refund", auth, ctrl.HandleRefundUsage)
	v1.Post("/checkout", auth, ctrl.HandleInitiateCheckout)
	v1.Get("/checkout/:processor/:transactionId", auth, ctrl.HandleGetCheckout)
	v1.Post("/generations", auth, ctrl.HandleRunGeneration)
	v1.Get("/generations", auth, ctrl.HandleListGenerations)

	internal := v1.Group("/internal", middleware.RequireInternalToken(h.cfg.InternalToken))
	internal.Post("/provision", ctrl.HandleProvision)
	internal.Post("/accounts/:id/entitlement", ctrl.HandleSetEntitlement)
	internal.Get("/stats", ctrl.HandleStats)
}

func NewApiRouter(cfg Config) *ApiRouter {
	return &ApiRouter{cfg: cfg}
}
