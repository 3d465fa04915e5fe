package controllers

import (
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/billing"
	"github.com/ManuelReschke/PetFox/internal/pkg/cache"
	"github.com/ManuelReschke/PetFox/internal/pkg/generation"
	"github.com/ManuelReschke/PetFox/internal/pkg/identity"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
	"github.com/ManuelReschke/PetFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PetFox/internal/pkg/usage"
)

var validate = validator.New()

// Dependencies are the domain services behind the HTTP handlers.
type Dependencies struct {
	Resolver              *identity.Resolver
	Ledger                *ledger.Ledger
	Billing               *billing.Service
	Gate                  *usage.Gate
	Generation            *generation.Service
	Accounts              *cache.AccountCache
	Counter               *counter.WebhookCounter
	Adapters              []billing.Adapter
	IdentityWebhookSecret string
	Log                   *zap.Logger
}

type APIController struct {
	deps     Dependencies
	adapters map[string]billing.Adapter
	log      *zap.Logger
}

func NewAPIController(deps Dependencies) *APIController {
	log := logging.OrNop(deps.Log).Named("http")
	if deps.Accounts == nil {
		deps.Accounts = cache.NewAccountCache(nil, 0, log)
	}
	if deps.Counter == nil {
		deps.Counter = counter.NewWebhookCounter(nil, log)
	}
	adapters := make(map[string]billing.Adapter, len(deps.Adapters))
	for _, a := range deps.Adapters {
		adapters[a.Processor()] = a
	}
	return &APIController{deps: deps, adapters: adapters, log: log}
}
