package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/identity"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
	"github.com/ManuelReschke/PetFox/internal/pkg/security"
	"github.com/ManuelReschke/PetFox/internal/pkg/usercontext"
)

// IdentityAuth verifies the identity provider's bearer token and resolves the
// caller to an account. A link conflict stops the request with 409 so support
// can decide which identity owns the email.
func IdentityAuth(resolver *identity.Resolver, secret string, log *zap.Logger) fiber.Handler {
	log = logging.OrNop(log).Named("auth")
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		claims, err := security.VerifyIdentityToken(token, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid bearer token"})
		}

		res, err := resolver.Resolve(c.UserContext(), identity.Identity{ID: claims.Subject, Email: claims.Email})
		if err != nil {
			status := apperr.HTTPStatus(err)
			if status >= fiber.StatusInternalServerError {
				log.Error("identity resolution failed", zap.String("identity_id", claims.Subject), zap.Error(err))
			}
			return c.Status(status).JSON(fiber.Map{"error": apperr.Code(err)})
		}

		if res.LinkConflict {
			log.Warn("identity link conflict",
				zap.String("identity_id", claims.Subject),
				zap.Uint("account_id", res.Account.ID),
			)
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":         apperr.Code(apperr.ErrLinkConflict),
				"link_conflict": true,
			})
		}

		usercontext.Set(c, usercontext.AccountContext{
			AccountID:   res.Account.ID,
			IdentityID:  claims.Subject,
			Email:       res.Account.NormalizedEmail,
			Account:     res.Account,
			NewlyLinked: res.NewlyLinked,
			Created:     res.Created,
		})
		return c.Next()
	}
}

// RequireInternalToken guards the provisioning and admin surface. An empty
// configured token disables the surface entirely.
func RequireInternalToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := strings.TrimSpace(c.Get("X-Internal-Token"))
		if got == "" {
			got = extractBearerToken(c)
		}
		if token == "" || got == "" || !security.TokenEqual(got, token) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid internal token"})
		}
		c.Locals(usercontext.KeyInternal, true)
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
