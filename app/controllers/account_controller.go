package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/cache"
)

// HandleGetAccount returns the caller's balance. Identity resolution already
// applied any due free-tier reset; the snapshot itself is served from the
// advisory cache.
func (a *APIController) HandleGetAccount(c *fiber.Ctx) error {
	ac, ok := currentAccount(c)
	if !ok {
		return nil
	}

	snap, err := a.deps.Accounts.Get(c.UserContext(), ac.AccountID, func(ctx context.Context) (*cache.AccountSnapshot, error) {
		acc, err := a.deps.Ledger.Account(ctx, ac.AccountID)
		if err != nil {
			return nil, err
		}
		return snapshotOf(acc), nil
	})
	if err != nil {
		return a.respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":            snap.ID,
		"email":         snap.Email,
		"credits":       snap.Credits,
		"plan":          snap.Plan,
		"unlimited":     snap.Unlimited,
		"last_reset_at": formatTimePtr(snap.LastResetAt),
		"newly_linked":  ac.NewlyLinked,
	})
}

func snapshotOf(acc *models.Account) *cache.AccountSnapshot {
	return &cache.AccountSnapshot{
		ID:          acc.ID,
		Email:       acc.NormalizedEmail,
		Credits:     acc.CreditBalance,
		Plan:        acc.PlanTier,
		Unlimited:   acc.IsUnlimited,
		LastResetAt: acc.LastResetAt,
	}
}
