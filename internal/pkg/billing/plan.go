package billing

import (
	"strings"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

// normalizeKind accepts the spellings used by checkout clients and
// processor payloads.
func normalizeKind(kind string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "one_time", "one-time", "onetime", "pix", "payment", "package":
		return models.TransactionKindOneTime, true
	case "recurring", "subscription", "monthly":
		return models.TransactionKindRecurring, true
	default:
		return "", false
	}
}

func normalizeProcessor(processor string) string {
	return strings.ToLower(strings.TrimSpace(processor))
}

// tierForTransaction is the tier a confirmed recurring transaction grants.
func tierForTransaction(t *models.PaymentTransaction) string {
	return string(entitlements.NormalizePlan(t.PlanTier))
}
