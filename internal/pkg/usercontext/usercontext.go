package usercontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PetFox/app/models"
)

// AccountContext is the resolved caller of an authenticated API request.
type AccountContext struct {
	AccountID    uint            `json:"account_id"`
	IdentityID   string          `json:"identity_id"`
	Email        string          `json:"email"`
	Account      *models.Account `json:"-"`
	NewlyLinked  bool            `json:"newly_linked"`
	Created      bool            `json:"created"`
	LinkConflict bool            `json:"link_conflict"`
}

// Set stores the caller on the request.
func Set(c *fiber.Ctx, ac AccountContext) {
	c.Locals(KeyAccountContext, ac)
	c.Locals(KeyAccountID, ac.AccountID)
}

// Get returns the resolved caller, or false on unauthenticated routes.
func Get(c *fiber.Ctx) (AccountContext, bool) {
	ac, ok := c.Locals(KeyAccountContext).(AccountContext)
	return ac, ok
}

// GetAccountID returns the caller's account id, or 0 if not resolved
func GetAccountID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(KeyAccountID).(uint); ok {
		return id
	}
	return 0
}

// IsInternal reports whether the request carried the internal API token.
func IsInternal(c *fiber.Ctx) bool {
	v, ok := c.Locals(KeyInternal).(bool)
	return ok && v
}
