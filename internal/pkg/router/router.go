package router

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/app/controllers"
	"github.com/ManuelReschke/PetFox/internal/pkg/identity"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Config carries what the routers need beyond the controller itself.
type Config struct {
	Controller          *controllers.APIController
	Resolver            *identity.Resolver
	IdentityTokenSecret string
	InternalToken       string
	// LimiterStorage backs the API rate limiter; nil keeps counts in memory.
	LimiterStorage fiber.Storage
	RateLimit      int
	Log            *zap.Logger
}

func InstallRouter(app *fiber.App, cfg Config) {
	setup(app, NewWebhookRouter(cfg), NewApiRouter(cfg))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
