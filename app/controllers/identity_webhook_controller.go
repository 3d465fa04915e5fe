package controllers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/identity"
	"github.com/ManuelReschke/PetFox/internal/pkg/security"
)

// HandleIdentityWebhook keeps accounts in step with the identity provider.
// Created and updated users are resolved so pre-provisioned accounts link
// early; deleted users are unlinked and keep their balance.
func (a *APIController) HandleIdentityWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.BodyRaw()...)
	headers := security.SvixHeaders(c.Get("svix-id"), c.Get("svix-timestamp"), c.Get("svix-signature"))
	err := security.VerifySvixSignature(payload, headers, a.deps.IdentityWebhookSecret)
	if err != nil {
		a.log.Warn("identity webhook signature rejected", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": apperr.Code(apperr.ErrInvalidSignature)})
	}

	ev, err := identity.ParseWebhook(payload)
	if err != nil {
		return a.respondError(c, err)
	}
	log := a.log.With(zap.String("event_type", ev.Type), zap.String("identity_id", ev.Identity.ID))

	switch ev.Type {
	case identity.EventUserCreated, identity.EventUserUpdated:
		if ev.Identity.Email == "" {
			return c.JSON(fiber.Map{"ok": true, "ignored": true})
		}
		res, err := a.deps.Resolver.Resolve(c.UserContext(), ev.Identity)
		if err != nil {
			return a.respondError(c, err)
		}
		if res.LinkConflict {
			// Retrying cannot fix this; support has to pick the owner.
			log.Warn("identity link conflict", zap.Uint("account_id", res.Account.ID))
			return c.JSON(fiber.Map{"ok": true, "link_conflict": true})
		}
		return c.JSON(fiber.Map{
			"ok":           true,
			"account_id":   res.Account.ID,
			"created":      res.Created,
			"newly_linked": res.NewlyLinked,
		})
	case identity.EventUserDeleted:
		unlinked, err := a.deps.Resolver.Unlink(c.UserContext(), ev.Identity.ID)
		if err != nil {
			return a.respondError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "unlinked": unlinked})
	default:
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}
}
