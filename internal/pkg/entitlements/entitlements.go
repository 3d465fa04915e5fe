package entitlements

import (
	"sort"
	"strings"

	"github.com/ManuelReschke/PetFox/app/models"
)

type Plan string

const (
	PlanFree      Plan = models.PlanTierFree
	PlanEssential Plan = models.PlanTierEssential
	PlanPro       Plan = models.PlanTierPro
)

const (
	DefaultFreeQuota        = 3
	DefaultFreeResetDays    = 30
	DefaultEssentialCredits = 50
	DefaultProCredits       = 180
	DefaultCurrency         = "BRL"
)

// NormalizePlan maps unknown or empty values to the free tier.
func NormalizePlan(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanEssential:
		return PlanEssential
	case PlanPro:
		return PlanPro
	default:
		return PlanFree
	}
}

func PlanRank(plan Plan) int {
	switch plan {
	case PlanPro:
		return 2
	case PlanEssential:
		return 1
	default:
		return 0
	}
}

// Package is a purchasable credit bundle, either a one-time pack or a
// monthly subscription.
type Package struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Plan        Plan   `json:"plan"`
	Name        string `json:"name"`
	Credits     int    `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Catalog holds tier quotas and the purchasable packages.
type Catalog struct {
	FreeQuota     int
	FreeResetDays int

	monthly  map[Plan]int
	packages map[string]Package
}

func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultFreeQuota, DefaultFreeResetDays, DefaultEssentialCredits, DefaultProCredits)
}

func NewCatalog(freeQuota, freeResetDays, essentialCredits, proCredits int) *Catalog {
	c := &Catalog{
		FreeQuota:     freeQuota,
		FreeResetDays: freeResetDays,
		monthly: map[Plan]int{
			PlanFree:      freeQuota,
			PlanEssential: essentialCredits,
			PlanPro:       proCredits,
		},
		packages: map[string]Package{},
	}
	c.add(Package{ID: "essential", Kind: models.TransactionKindOneTime, Plan: PlanEssential, Name: "Pacote Essencial", Credits: essentialCredits, AmountCents: 3490})
	c.add(Package{ID: "pro", Kind: models.TransactionKindOneTime, Plan: PlanPro, Name: "Pacote Pro", Credits: proCredits, AmountCents: 8490})
	c.add(Package{ID: "essential", Kind: models.TransactionKindRecurring, Plan: PlanEssential, Name: "Assinatura Essencial", Credits: essentialCredits, AmountCents: 2990})
	c.add(Package{ID: "pro", Kind: models.TransactionKindRecurring, Plan: PlanPro, Name: "Assinatura Pro", Credits: proCredits, AmountCents: 7990})
	return c
}

func (c *Catalog) add(p Package) {
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	c.packages[packageKey(p.Kind, p.ID)] = p
}

func packageKey(kind, id string) string {
	return kind + ":" + id
}

// Package looks up a bundle by kind and id.
func (c *Catalog) Package(kind, id string) (Package, bool) {
	p, ok := c.packages[packageKey(strings.TrimSpace(kind), strings.ToLower(strings.TrimSpace(id)))]
	return p, ok
}

// Packages returns all bundles ordered by kind, then price.
func (c *Catalog) Packages() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].AmountCents < out[j].AmountCents
	})
	return out
}

// MonthlyCredits is the allowance a tier is granted per period.
func (c *Catalog) MonthlyCredits(plan Plan) int {
	return c.monthly[NormalizePlan(string(plan))]
}
