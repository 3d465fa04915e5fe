package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	PlanTierFree      = "free"
	PlanTierEssential = "essential"
	PlanTierPro       = "pro"
)

// Account is the credit-holding principal. CreditBalance is only ever changed
// through the ledger's conditional updates; the check constraint is the last
// line of defence against a negative balance.
type Account struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	ExternalIdentityID *string    `gorm:"type:varchar(191);uniqueIndex:ux_accounts_external_identity" json:"external_identity_id,omitempty"`
	NormalizedEmail    string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_accounts_normalized_email" json:"email" validate:"required,email"`
	CreditBalance      int        `gorm:"not null;default:0;check:credit_balance >= 0" json:"credit_balance" validate:"gte=0"`
	PlanTier           string     `gorm:"type:varchar(20);not null;default:'free';index" json:"plan_tier" validate:"oneof=free essential pro"`
	LastResetAt        *time.Time `gorm:"default:null" json:"last_reset_at,omitempty"`
	IsUnlimited        bool       `gorm:"not null;default:false" json:"is_unlimited"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// IsLinked reports whether an authenticated identity has claimed the account.
func (a *Account) IsLinked() bool {
	return a.ExternalIdentityID != nil && *a.ExternalIdentityID != ""
}

// LinkedTo reports whether the account is claimed by exactly this identity.
func (a *Account) LinkedTo(identityID string) bool {
	return a.IsLinked() && *a.ExternalIdentityID == identityID
}

func (a *Account) IsFree() bool {
	return a.PlanTier == "" || a.PlanTier == PlanTierFree
}

// NormalizeEmail is the single canonical form used for the unique email key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
